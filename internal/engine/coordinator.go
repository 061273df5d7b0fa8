package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/n3flow/platform/infrastructure/utils"
	"github.com/n3flow/platform/internal/dag"
	"github.com/n3flow/platform/internal/handler"
	"github.com/n3flow/platform/internal/storage"
	"github.com/n3flow/platform/pkg/errs"
	"github.com/n3flow/platform/pkg/value"
)

// coordinator drives one Execution's private scheduler: the ready/
// inflight/done bookkeeping, node dispatch, condition/loop handling,
// retry, onFailure policy, cancellation, and timeouts described in §4.3.
type coordinator struct {
	executionID string
	graph       *dag.Graph
	def         dag.Definition
	order       map[string]int // node id -> position in the graph's execution order, for tie-breaks

	engine *Engine

	mu       sync.Mutex
	status   map[string]string
	outputs  map[string]value.Value
	nodeErrs map[string]*errs.Error
	deadEdge map[string]bool // edge id -> pruned by a resolved condition branch

	inflight int32

	cancelled atomic.Bool
	abort     atomic.Bool
	rootCtx   context.Context
	cancelFn  context.CancelFunc
}

type nodeResult struct {
	nodeID string
	status string
	output value.Value
	err    *errs.Error
}

func newCoordinator(ctx context.Context, e *Engine, executionID string, g *dag.Graph, def dag.Definition, order []string) *coordinator {
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	status := make(map[string]string, len(g.NodeIDs()))
	for _, id := range g.NodeIDs() {
		status[id] = NodePending
	}
	ctx, cancel := context.WithCancel(ctx)
	return &coordinator{
		executionID: executionID,
		graph:       g,
		def:         def,
		order:       pos,
		engine:      e,
		status:      status,
		outputs:     make(map[string]value.Value),
		nodeErrs:    make(map[string]*errs.Error),
		deadEdge:    make(map[string]bool),
		rootCtx:     ctx,
		cancelFn:    cancel,
	}
}

// run executes the whole graph to a terminal Execution status and
// returns it. It blocks until the execution is completed, failed, or
// cancelled.
func (c *coordinator) run(triggerContext value.Value) (string, *errs.Error) {
	entryIDs := c.entryNodeIDs()
	for _, id := range entryIDs {
		c.setOutputLocked(id, triggerContext)
	}

	results := make(chan nodeResult, 64)
	dispatched := make(map[string]bool)

	for {
		if c.cancelled.Load() {
			c.finalizeRemainingAs(NodeCancelled)
			return ExecutionCancelled, errs.CancelledErr()
		}

		ready := c.computeReadyAndSkip(dispatched)
		if atomic.LoadInt32(&c.inflight) == 0 && (len(ready) == 0 || c.abort.Load()) {
			break
		}

		for _, id := range ready {
			if c.abort.Load() {
				break
			}
			dispatched[id] = true
			atomic.AddInt32(&c.inflight, 1)
			go c.dispatchNode(id, results)
		}

		if atomic.LoadInt32(&c.inflight) == 0 {
			continue
		}

		select {
		case res := <-results:
			atomic.AddInt32(&c.inflight, -1)
			c.applyResult(res)
		case <-c.rootCtx.Done():
			c.cancelled.Store(true)
		}
	}

	return c.finalize()
}

// entryNodeIDs returns nodes with no predecessor edges at all.
func (c *coordinator) entryNodeIDs() []string {
	var ids []string
	for _, id := range c.graph.NodeIDs() {
		if len(c.graph.Predecessors(id)) == 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// computeReadyAndSkip prunes unreachable pending nodes to skipped and
// returns the still-pending nodes whose live predecessors have all
// completed or been skipped, sorted by topological tie-break.
func (c *coordinator) computeReadyAndSkip(dispatched map[string]bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ready []string
	for _, id := range c.graph.NodeIDs() {
		if c.status[id] != NodePending || dispatched[id] {
			continue
		}
		preds := c.livePredecessors(id)
		if len(preds) == 0 && len(c.graph.Predecessors(id)) > 0 {
			// every incoming edge was pruned: unreachable.
			c.transitionLocked(id, NodeSkipped, value.Null(), nil)
			continue
		}
		allDone := true
		for _, e := range preds {
			if c.status[e.Source] != NodeCompleted && c.status[e.Source] != NodeSkipped {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return c.order[ready[i]] < c.order[ready[j]] })
	return ready
}

// livePredecessors returns id's incoming edges excluding any pruned by a
// resolved condition branch.
func (c *coordinator) livePredecessors(id string) []dag.Edge {
	all := c.graph.Predecessors(id)
	live := make([]dag.Edge, 0, len(all))
	for _, e := range all {
		if c.deadEdge[e.ID] {
			continue
		}
		live = append(live, e)
	}
	return live
}

// dispatchNode builds the node's input, resolves retry-eligible
// dispatch, and sends its terminal result on results.
func (c *coordinator) dispatchNode(id string, results chan<- nodeResult) {
	c.mu.Lock()
	c.status[id] = NodeRunning
	c.mu.Unlock()
	c.engine.publish(Event{Type: "node.status", ExecutionID: c.executionID, NodeID: id, Status: NodeRunning, Timestamp: time.Now()})

	node, _ := c.graph.Node(id)
	input := c.buildInput(id)

	if node.Type == dag.TypeLoop {
		results <- c.runLoopNode(node, input)
		return
	}

	res := c.executeWithRetry(node, input)
	results <- res
}

// executeWithRetry calls the handler registry, retrying TRANSIENT
// failures per the node's retryPolicy with exponential backoff, capped.
func (c *coordinator) executeWithRetry(node *dag.Node, input value.Value) nodeResult {
	policy := nodeRetryPolicy(node.Config)
	timeout := msDuration(cfgInt(node.Config, "timeoutMs", 0))

	var lastErr *errs.Error
	attempts := 0
	for {
		attempts++
		if err := c.engine.pool.Acquire(c.rootCtx); err != nil {
			return nodeResult{nodeID: node.ID, status: NodeCancelled, err: errs.CancelledErr()}
		}

		nodeCtx := c.rootCtx
		var cancelTimeout context.CancelFunc
		if timeout > 0 {
			nodeCtx, cancelTimeout = context.WithTimeout(c.rootCtx, timeout)
		}

		start := time.Now()
		result := c.engine.registry.Dispatch(node.Type, handler.ExecContext{
			Context:            nodeCtx,
			NodeConfig:         node.Config,
			InputData:          input,
			CredentialResolver: c.engine.credentialResolver,
			Signer:             c.engine.signer,
			Logger:             c.engine.logger,
		})
		duration := time.Since(start)
		if cancelTimeout != nil {
			cancelTimeout()
		}
		c.engine.pool.Release()

		if c.engine.metrics != nil {
			c.engine.metrics.RecordNodeExecution(c.engine.serviceName, node.Type, statusFor(result), duration)
		}

		if nodeCtx.Err() == context.DeadlineExceeded {
			return nodeResult{nodeID: node.ID, status: NodeFailed, err: errs.TimeoutErr(node.ID)}
		}
		if c.rootCtx.Err() != nil {
			return nodeResult{nodeID: node.ID, status: NodeCancelled, err: errs.CancelledErr()}
		}

		if result.Err == nil {
			return nodeResult{nodeID: node.ID, status: NodeCompleted, output: result.Output}
		}

		lastErr = result.Err
		if result.Err.Kind != errs.Transient || attempts >= policy.MaxAttempts {
			return nodeResult{nodeID: node.ID, status: NodeFailed, output: result.Output, err: lastErr}
		}

		if c.engine.metrics != nil {
			c.engine.metrics.RecordNodeRetry(c.engine.serviceName, node.Type)
		}
		delay := policy.backoff(attempts)
		select {
		case <-time.After(delay):
		case <-c.rootCtx.Done():
			return nodeResult{nodeID: node.ID, status: NodeCancelled, err: errs.CancelledErr()}
		}
	}
}

func statusFor(r handler.Result) string {
	if r.Err == nil {
		return NodeCompleted
	}
	return NodeFailed
}

// buildInput merges predecessor outputs per §4.3's data-flow rule: the
// single predecessor's output flattened, or a map keyed by the incoming
// edge's target handle (falling back to the source node id) when there
// is more than one.
func (c *coordinator) buildInput(id string) value.Value {
	c.mu.Lock()
	defer c.mu.Unlock()

	preds := c.livePredecessors(id)
	if len(preds) == 0 {
		if out, ok := c.outputs[id]; ok {
			return out // entry node: trigger context was seeded directly.
		}
		return value.Null()
	}
	if len(preds) == 1 {
		return c.outputs[preds[0].Source]
	}

	merged := make(map[string]value.Value, len(preds))
	for _, e := range preds {
		key := e.TargetHandle
		if key == "" {
			key = e.Source
		}
		merged[key] = c.outputs[e.Source]
	}
	return value.Map(merged)
}

// applyResult records a dispatched node's terminal result, prunes
// condition branches, and applies the failed node's onFailure policy.
func (c *coordinator) applyResult(res nodeResult) {
	node, _ := c.graph.Node(res.nodeID)

	c.mu.Lock()
	c.transitionLocked(res.nodeID, res.status, res.output, res.err)
	c.mu.Unlock()

	if res.status == NodeCompleted && node != nil && node.Type == dag.TypeCondition {
		c.pruneConditionBranch(node.ID, res.output)
	}

	if res.status == NodeFailed {
		c.applyFailurePolicy(node)
	}
}

func (c *coordinator) pruneConditionBranch(nodeID string, output value.Value) {
	m, ok := output.Map()
	if !ok {
		return
	}
	branch, _ := m["branch"].String()
	dead := "false"
	if branch == "false" {
		dead = "true"
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var frontier []string
	for _, e := range c.graph.Successors(nodeID) {
		if e.SourceHandle == dead {
			c.deadEdge[e.ID] = true
			frontier = append(frontier, e.Target)
		}
	}
	c.cascadeDeadLocked(frontier)
}

// cascadeDeadLocked extends deadEdge transitively past any node that has
// become entirely unreachable: if every one of a node's incoming edges is
// dead, its own outgoing edges are dead too, and so on downstream. Without
// this, a node more than one hop past a pruned condition branch would keep
// a "live" incoming edge from an unreachable predecessor and be computed
// ready once that predecessor is marked skipped. Caller must hold c.mu.
func (c *coordinator) cascadeDeadLocked(frontier []string) {
	queue := append([]string{}, frontier...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if c.status[id] != NodePending {
			continue
		}
		reachable := false
		for _, e := range c.graph.Predecessors(id) {
			if !c.deadEdge[e.ID] {
				reachable = true
				break
			}
		}
		if reachable {
			continue
		}
		for _, e := range c.graph.Successors(id) {
			if !c.deadEdge[e.ID] {
				c.deadEdge[e.ID] = true
				queue = append(queue, e.Target)
			}
		}
	}
}

func (c *coordinator) applyFailurePolicy(node *dag.Node) {
	if node == nil {
		return
	}
	policy := cfgString(node.Config, "onFailure", OnFailureAbort)
	switch policy {
	case OnFailureContinue:
		c.forceSkipDescendants(node.ID, true)
	case OnFailureIsolate:
		c.forceSkipDescendants(node.ID, false)
	default:
		c.abort.Store(true)
	}
}

// forceSkipDescendants marks node.ID's direct successors as skipped, and
// (when recursive is true, per onFailure=continue) every further
// descendant unconditionally.
func (c *coordinator) forceSkipDescendants(nodeID string, recursive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := []string{nodeID}
	visitedRoot := true
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range c.graph.Successors(cur) {
			if c.status[e.Target] == NodePending {
				c.transitionLocked(e.Target, NodeSkipped, value.Null(), nil)
			}
			if recursive || visitedRoot {
				queue = append(queue, e.Target)
			}
		}
		visitedRoot = false
	}
}

// transitionLocked records a node's terminal status, persists a
// NodeExecution, and publishes the transition. Caller must hold c.mu.
func (c *coordinator) transitionLocked(nodeID, status string, output value.Value, nodeErr *errs.Error) {
	c.status[nodeID] = status
	if status == NodeCompleted || status == NodeSkipped {
		c.outputs[nodeID] = output
	}
	if nodeErr != nil {
		c.nodeErrs[nodeID] = nodeErr
	}

	if c.engine.store != nil {
		ne := &storage.NodeExecution{
			ID:          nodeID,
			ExecutionID: c.executionID,
			NodeID:      nodeID,
			Status:      status,
			Output:      output,
			Error:       nodeErr,
			CompletedAt: time.Now(),
		}
		_ = c.engine.store.CreateNodeExecution(context.Background(), ne)
	}
	if c.engine.logger != nil {
		var cause error
		if nodeErr != nil {
			cause = nodeErr
		}
		c.engine.logger.LogNodeTransition(context.Background(), nodeID, "", status, 1)
		if cause != nil {
			c.engine.logger.WithError(cause).Warn(fmt.Sprintf("node %s failed", nodeID))
		}
	}
	c.engine.publish(Event{
		Type: "node.status", ExecutionID: c.executionID, NodeID: nodeID,
		Status: status, Output: output, Err: nodeErr, Timestamp: time.Now(),
	})
}

func (c *coordinator) setOutputLocked(nodeID string, v value.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[nodeID] = v
}

// finalize computes the execution's terminal status from final node
// states: completed unless any node failed, in which case failed.
func (c *coordinator) finalize() (string, *errs.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.abort.Load() {
		for _, id := range c.graph.NodeIDs() {
			if c.status[id] == NodePending {
				c.transitionLocked(id, NodeSkipped, value.Null(), nil)
			}
		}
	}

	for _, id := range c.graph.NodeIDs() {
		if c.status[id] == NodeFailed {
			return ExecutionFailed, errs.New(errs.HandlerError, "one or more nodes failed")
		}
	}
	return ExecutionCompleted, nil
}

func (c *coordinator) finalizeRemainingAs(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.graph.NodeIDs() {
		if c.status[id] == NodePending || c.status[id] == NodeRunning {
			c.transitionLocked(id, status, value.Null(), errs.CancelledErr())
		}
	}
}

// cancel flips the cooperative cancellation flag read between
// ready-dequeues and notifies every in-flight node's context.
func (c *coordinator) cancel() {
	c.cancelled.Store(true)
	c.cancelFn()
}

// runLoopNode resolves the loop's iteration collection via the "loop"
// builtin handler, then re-executes the body subgraph once per item,
// isolating a failed iteration from the others per the per-iteration
// isolate policy (Open Question, resolved).
func (c *coordinator) runLoopNode(node *dag.Node, input value.Value) nodeResult {
	items, err := c.resolveLoopItems(node, input)
	if err != nil {
		return nodeResult{nodeID: node.ID, status: NodeFailed, err: err}
	}

	bodyIDs := c.bodySubgraph(node.ID)
	bodyEntries := c.bodyEntryIDs(node.ID)

	type iterResult struct {
		index  int
		output value.Value
		err    *errs.Error
	}

	results := make([]iterResult, len(items))
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxInt(1, c.engine.perExecutionConcurrency))

	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		idx, it := i, item
		utils.SafeGo(func() {
			defer func() { <-sem }()
			out, iterErr := c.runLoopIteration(node.ID, idx, bodyIDs, bodyEntries, it)
			results[idx] = iterResult{index: idx, output: out, err: iterErr}
			wg.Done()
		}, func(panicErr error) {
			results[idx] = iterResult{index: idx, err: errs.Wrap(errs.Internal, "loop iteration panicked", panicErr)}
			wg.Done()
		})
	}
	wg.Wait()

	outList := make([]value.Value, len(results))
	allFailed := len(results) > 0
	for _, r := range results {
		if r.err == nil {
			allFailed = false
			outList[r.index] = r.output
		} else {
			outList[r.index] = value.Map(map[string]value.Value{
				"error": value.String(r.err.Message),
			})
		}
	}

	// Body-subgraph nodes were already executed once per iteration above
	// (under composite node-execution ids); mark their plain node id done
	// so the outer scheduler's ready computation never dispatches them a
	// second time along the loop's "body" edge.
	c.markBodyNodesDone(bodyIDs)

	if allFailed {
		return nodeResult{nodeID: node.ID, status: NodeFailed, err: errs.New(errs.HandlerError, "every loop iteration failed")}
	}
	return nodeResult{nodeID: node.ID, status: NodeCompleted, output: value.List(outList...)}
}

func (c *coordinator) markBodyNodesDone(bodyIDs map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range bodyIDs {
		if c.status[id] == NodePending {
			c.transitionLocked(id, NodeCompleted, value.Null(), nil)
		}
	}
}

func (c *coordinator) resolveLoopItems(node *dag.Node, input value.Value) ([]value.Value, *errs.Error) {
	res := c.engine.registry.Dispatch("loop", handler.ExecContext{
		Context:    c.rootCtx,
		NodeConfig: node.Config,
		InputData:  input,
	})
	if res.Err != nil {
		return nil, res.Err
	}
	list, _ := res.Output.List()
	return list, nil
}

// bodyEntryIDs returns the targets of node.ID's "body"-handle edges.
func (c *coordinator) bodyEntryIDs(nodeID string) []string {
	var ids []string
	for _, e := range c.graph.Successors(nodeID) {
		if e.SourceHandle == "body" {
			ids = append(ids, e.Target)
		}
	}
	return ids
}

// bodySubgraph returns every node reachable from the loop's "body" edges
// that is not also reachable from its "after" edges.
func (c *coordinator) bodySubgraph(nodeID string) map[string]bool {
	var afterEntries []string
	for _, e := range c.graph.Successors(nodeID) {
		if e.SourceHandle == "after" {
			afterEntries = append(afterEntries, e.Target)
		}
	}
	afterReachable := c.reachableFrom(afterEntries)

	bodyReachable := c.reachableFrom(c.bodyEntryIDs(nodeID))
	for id := range afterReachable {
		delete(bodyReachable, id)
	}
	return bodyReachable
}

func (c *coordinator) reachableFrom(start []string) map[string]bool {
	seen := make(map[string]bool)
	queue := append([]string{}, start...)
	for _, id := range start {
		seen[id] = true
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range c.graph.Successors(cur) {
			if !seen[e.Target] {
				seen[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}
	return seen
}

// runLoopIteration executes the body subgraph's nodes, in topological
// order, for one iteration, seeding every body-entry node with item and
// recording each node's NodeExecution under the composite id
// `<loopId>:<iterIdx>:<bodyNodeId>`. It returns the output of the body's
// sink nodes (those with no in-body successor) merged the same way a
// multi-predecessor node's input is merged.
func (c *coordinator) runLoopIteration(loopID string, idx int, bodyIDs map[string]bool, bodyEntries []string, item value.Value) (value.Value, *errs.Error) {
	outputs := make(map[string]value.Value, len(bodyIDs))
	entrySet := make(map[string]bool, len(bodyEntries))
	for _, id := range bodyEntries {
		entrySet[id] = true
	}

	ordered := make([]string, 0, len(bodyIDs))
	for _, id := range c.graph.ExecutionOrder() {
		if bodyIDs[id] {
			ordered = append(ordered, id)
		}
	}

	for _, id := range ordered {
		node, _ := c.graph.Node(id)
		preds := c.graph.Predecessors(id)
		var in value.Value
		switch {
		case entrySet[id]:
			in = item
		case len(preds) == 0:
			in = item
		case len(preds) == 1:
			in = outputs[preds[0].Source]
		default:
			merged := make(map[string]value.Value, len(preds))
			for _, e := range preds {
				key := e.TargetHandle
				if key == "" {
					key = e.Source
				}
				merged[key] = outputs[e.Source]
			}
			in = value.Map(merged)
		}

		compositeID := fmt.Sprintf("%s:%d:%s", loopID, idx, id)
		res := c.engine.registry.Dispatch(node.Type, handler.ExecContext{
			Context:            c.rootCtx,
			NodeConfig:         node.Config,
			InputData:          in,
			CredentialResolver: c.engine.credentialResolver,
			Signer:             c.engine.signer,
			Logger:             c.engine.logger,
		})
		if c.engine.store != nil {
			status := NodeCompleted
			if res.Err != nil {
				status = NodeFailed
			}
			_ = c.engine.store.CreateNodeExecution(context.Background(), &storage.NodeExecution{
				ID: compositeID, ExecutionID: c.executionID, NodeID: id,
				Status: status, Output: res.Output, Error: res.Err, CompletedAt: time.Now(),
			})
		}
		if res.Err != nil {
			return value.Null(), res.Err
		}
		outputs[id] = res.Output
	}

	sinks := make([]string, 0)
	for id := range bodyIDs {
		hasInBodySuccessor := false
		for _, e := range c.graph.Successors(id) {
			if bodyIDs[e.Target] {
				hasInBodySuccessor = true
				break
			}
		}
		if !hasInBodySuccessor {
			sinks = append(sinks, id)
		}
	}
	sort.Strings(sinks)

	if len(sinks) == 1 {
		return outputs[sinks[0]], nil
	}
	merged := make(map[string]value.Value, len(sinks))
	for _, id := range sinks {
		merged[id] = outputs[id]
	}
	return value.Map(merged), nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
