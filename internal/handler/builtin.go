package handler

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"

	"github.com/n3flow/platform/pkg/errs"
	"github.com/n3flow/platform/pkg/value"
)

// RegisterBuiltins installs the platform's built-in node handlers into r.
func RegisterBuiltins(r *Registry) error {
	builtins := []Handler{
		triggerHandler{nodeType: "trigger"},
		triggerHandler{nodeType: "scheduleTrigger"},
		triggerHandler{nodeType: "webhook"},
		httpRequestHandler{client: &http.Client{Timeout: 30 * time.Second}},
		transformHandler{},
		conditionHandler{},
		loopHandler{},
		outputHandler{},
		cryptoSignHandler{},
		cryptoVerifyHandler{},
	}
	for _, h := range builtins {
		if err := r.Register(h, false); err != nil {
			return err
		}
	}
	return nil
}

// triggerHandler is the entry-node handler shared by trigger, schedule and
// webhook entry kinds: it simply passes its input through as output, since
// the work of admitting the execution already happened before C3 reached
// this node.
type triggerHandler struct {
	nodeType string
}

func (t triggerHandler) Type() string { return t.nodeType }

func (t triggerHandler) Metadata() Metadata {
	return Metadata{
		DisplayName: t.nodeType,
		Description: "Entry point for a flow execution",
		Category:    "trigger",
	}
}

func (t triggerHandler) Execute(ectx ExecContext) Result {
	return Ok(ectx.InputData)
}

// transformHandler extracts a value from the input via a JSONPath
// expression named by the node's "path" config field.
type transformHandler struct{}

func (transformHandler) Type() string { return "transform" }

func (transformHandler) Metadata() Metadata {
	return Metadata{
		DisplayName: "Transform",
		Description: "Extracts or reshapes data using a JSONPath expression",
		Category:    "data",
		Inputs:      []string{"input"},
		Outputs:     []string{"output"},
	}
}

func (transformHandler) Execute(ectx ExecContext) Result {
	path, ok := cfgString(ectx.NodeConfig, "path")
	if !ok || path == "" {
		return Fail(errs.Validation, "transform node requires a non-empty \"path\" config field")
	}

	raw := ectx.InputData.ToAny()
	result, err := jsonpath.Get(path, raw)
	if err != nil {
		return Fail(errs.Validation, fmt.Sprintf("jsonpath evaluation failed: %v", err))
	}

	return Ok(value.FromAny(result))
}

// conditionHandler evaluates a gval boolean expression over the input and
// produces {"branch": "true"|"false"} so the engine can skip the
// non-chosen branch's exclusive downstream subtree.
type conditionHandler struct{}

func (conditionHandler) Type() string { return "condition" }

func (conditionHandler) Metadata() Metadata {
	return Metadata{
		DisplayName: "Condition",
		Description: "Evaluates a predicate and routes to the true or false branch",
		Category:    "logic",
		Inputs:      []string{"input"},
		Outputs:     []string{"true", "false"},
	}
}

func (conditionHandler) Execute(ectx ExecContext) Result {
	expr, ok := cfgString(ectx.NodeConfig, "expression")
	if !ok || expr == "" {
		return Fail(errs.Validation, "condition node requires a non-empty \"expression\" config field")
	}

	eval, err := gval.Full().NewEvaluable(expr)
	if err != nil {
		return Fail(errs.Validation, fmt.Sprintf("invalid condition expression: %v", err))
	}

	vars, ok := ectx.InputData.Map()
	if !ok {
		vars = map[string]value.Value{}
	}
	env := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		env[k] = v.ToAny()
	}

	result, err := eval(ectx.Context, env)
	if err != nil {
		return Fail(errs.HandlerError, fmt.Sprintf("condition evaluation error: %v", err))
	}

	branch := "false"
	if truthy(result) {
		branch = "true"
	}
	return Ok(value.Map(map[string]value.Value{"branch": value.String(branch)}))
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	default:
		return value.FromAny(v).Truthy()
	}
}

// httpRequestHandler performs an outbound HTTP call, honoring the node's
// config (method, url, headers, body) and ectx.Context cancellation.
type httpRequestHandler struct {
	client *http.Client
}

func (httpRequestHandler) Type() string { return "httpRequest" }

func (httpRequestHandler) Metadata() Metadata {
	return Metadata{
		DisplayName: "HTTP Request",
		Description: "Performs an outbound HTTP call",
		Category:    "network",
		Inputs:      []string{"input"},
		Outputs:     []string{"output"},
	}
}

func (h httpRequestHandler) Execute(ectx ExecContext) Result {
	cfg, _ := ectx.NodeConfig.Map()

	url, ok := cfgString(ectx.NodeConfig, "url")
	if !ok || url == "" {
		return Fail(errs.Validation, "httpRequest node requires a non-empty \"url\" config field")
	}
	method, ok := cfgString(ectx.NodeConfig, "method")
	if !ok || method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	var body io.Reader
	if raw, ok := cfg["body"]; ok && !raw.IsNull() {
		if s, ok := raw.String(); ok {
			body = strings.NewReader(s)
		} else if encoded, err := raw.CanonicalJSON(); err == nil {
			body = strings.NewReader(string(encoded))
		}
	}

	req, err := http.NewRequestWithContext(ectx.Context, method, url, body)
	if err != nil {
		return Fail(errs.Validation, fmt.Sprintf("invalid httpRequest: %v", err))
	}
	if headers, ok := cfg["headers"]; ok {
		if hm, ok := headers.Map(); ok {
			for k, v := range hm {
				if s, ok := v.String(); ok {
					req.Header.Set(k, s)
				}
			}
		}
	}

	client := h.client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return Fail(errs.Transient, fmt.Sprintf("httpRequest failed: %v", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Fail(errs.Transient, fmt.Sprintf("httpRequest read failed: %v", err))
	}

	out := value.Map(map[string]value.Value{
		"statusCode": value.Int(int64(resp.StatusCode)),
		"body":       value.String(string(respBody)),
	})
	if resp.StatusCode >= 500 {
		return Result{Output: out, Err: errs.New(errs.Transient, fmt.Sprintf("httpRequest received status %d", resp.StatusCode))}
	}
	return Ok(out)
}

// loopHandler resolves the collection a loop node iterates over; the
// engine performs the actual per-iteration body-subgraph re-execution and
// output accumulation described in §4.3, reading this handler's resolved
// list as the iteration source.
type loopHandler struct{}

func (loopHandler) Type() string { return "loop" }

func (loopHandler) Metadata() Metadata {
	return Metadata{
		DisplayName: "Loop",
		Description: "Re-executes its body subgraph once per item of a collection",
		Category:    "control",
		Inputs:      []string{"input"},
		Outputs:     []string{"body", "after"},
	}
}

func (loopHandler) Execute(ectx ExecContext) Result {
	path, ok := cfgString(ectx.NodeConfig, "itemsPath")
	if !ok || path == "" {
		path = "$"
	}

	raw := ectx.InputData.ToAny()
	resolved, err := jsonpath.Get(path, raw)
	if err != nil {
		return Fail(errs.Validation, fmt.Sprintf("loop itemsPath evaluation failed: %v", err))
	}

	items := value.FromAny(resolved)
	if _, ok := items.List(); !ok {
		return Fail(errs.Validation, "loop itemsPath must resolve to a list")
	}
	return Ok(items)
}

// cryptoSignHandler and cryptoVerifyHandler delegate to the secure device
// channel's AEAD/signature primitives via ectx.Signer, demonstrating that
// the channel's key material is reachable as an ordinary node operation
// and not only through the websocket transport.
type cryptoSignHandler struct{}

func (cryptoSignHandler) Type() string { return "cryptoSign" }

func (cryptoSignHandler) Metadata() Metadata {
	return Metadata{
		DisplayName: "Crypto Sign",
		Description: "Signs input data using a registered device key",
		Category:    "security",
		Inputs:      []string{"input"},
		Outputs:     []string{"output"},
	}
}

func (cryptoSignHandler) Execute(ectx ExecContext) Result {
	if ectx.Signer == nil {
		return Fail(errs.HandlerError, "no signer bound to this execution context")
	}
	keyID, ok := cfgString(ectx.NodeConfig, "keyId")
	if !ok || keyID == "" {
		return Fail(errs.Validation, "cryptoSign node requires a non-empty \"keyId\" config field")
	}

	payload, err := ectx.InputData.CanonicalJSON()
	if err != nil {
		return Fail(errs.Validation, fmt.Sprintf("input cannot be canonicalized: %v", err))
	}
	sig, err := ectx.Signer.Sign(ectx.Context, keyID, payload)
	if err != nil {
		return Fail(errs.HandlerError, fmt.Sprintf("sign failed: %v", err))
	}
	return Ok(value.Map(map[string]value.Value{
		"signature": value.String(base64.StdEncoding.EncodeToString(sig)),
	}))
}

type cryptoVerifyHandler struct{}

func (cryptoVerifyHandler) Type() string { return "cryptoVerify" }

func (cryptoVerifyHandler) Metadata() Metadata {
	return Metadata{
		DisplayName: "Crypto Verify",
		Description: "Verifies a signature against input data using a registered device key",
		Category:    "security",
		Inputs:      []string{"input"},
		Outputs:     []string{"output"},
	}
}

func (cryptoVerifyHandler) Execute(ectx ExecContext) Result {
	if ectx.Signer == nil {
		return Fail(errs.HandlerError, "no signer bound to this execution context")
	}
	keyID, ok := cfgString(ectx.NodeConfig, "keyId")
	if !ok || keyID == "" {
		return Fail(errs.Validation, "cryptoVerify node requires a non-empty \"keyId\" config field")
	}
	sigB64, ok := cfgString(ectx.NodeConfig, "signature")
	if !ok || sigB64 == "" {
		return Fail(errs.Validation, "cryptoVerify node requires a non-empty \"signature\" config field")
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return Fail(errs.Validation, fmt.Sprintf("invalid base64 signature: %v", err))
	}

	payload, err := ectx.InputData.CanonicalJSON()
	if err != nil {
		return Fail(errs.Validation, fmt.Sprintf("input cannot be canonicalized: %v", err))
	}
	valid, err := ectx.Signer.Verify(ectx.Context, keyID, payload, sig)
	if err != nil {
		return Fail(errs.HandlerError, fmt.Sprintf("verify failed: %v", err))
	}
	return Ok(value.Map(map[string]value.Value{"valid": value.Bool(valid)}))
}

// outputHandler passes input through unchanged; it exists to give flows a
// terminal node whose NodeExecution output is the flow's visible result.
type outputHandler struct{}

func (outputHandler) Type() string { return "output" }

func (outputHandler) Metadata() Metadata {
	return Metadata{
		DisplayName: "Output",
		Description: "Terminal node exposing the flow's result",
		Category:    "data",
		Inputs:      []string{"input"},
	}
}

func (outputHandler) Execute(ectx ExecContext) Result {
	return Ok(ectx.InputData)
}

func cfgString(cfg value.Value, key string) (string, bool) {
	m, ok := cfg.Map()
	if !ok {
		return "", false
	}
	v, ok := m[key]
	if !ok {
		return "", false
	}
	return v.String()
}

// DynamicSpec is the declarative shape a dynamic plug-in handler is built
// from: a resource × operation matrix with per-field schemas, per §4.1.
type DynamicSpec struct {
	NodeType   string
	Resources  []DynamicResource
}

// DynamicResource groups the operations a dynamic handler supports for one
// logical resource (e.g. "issue", "pullRequest").
type DynamicResource struct {
	Name       string
	Operations []DynamicOperation
}

// DynamicOperation is one (resource, operation) pair a DynamicHandler
// dispatches on, naming the fields it expects in node config.
type DynamicOperation struct {
	Name   string
	Fields []string
	Run    func(ctx ExecContext, fields map[string]value.Value) Result
}

// DynamicHandler implements Handler by dispatching on (resource, operation)
// drawn from the node's config, per §4.1's "Dynamic plug-ins" rule.
type DynamicHandler struct {
	spec DynamicSpec
	ops  map[string]map[string]DynamicOperation
}

// NewDynamicHandler builds a DynamicHandler from a declarative spec.
func NewDynamicHandler(spec DynamicSpec) *DynamicHandler {
	ops := make(map[string]map[string]DynamicOperation, len(spec.Resources))
	for _, res := range spec.Resources {
		m := make(map[string]DynamicOperation, len(res.Operations))
		for _, op := range res.Operations {
			m[op.Name] = op
		}
		ops[res.Name] = m
	}
	return &DynamicHandler{spec: spec, ops: ops}
}

func (d *DynamicHandler) Type() string { return d.spec.NodeType }

func (d *DynamicHandler) Metadata() Metadata {
	outputs := make([]string, 0, len(d.spec.Resources))
	for _, r := range d.spec.Resources {
		outputs = append(outputs, r.Name)
	}
	return Metadata{
		DisplayName: d.spec.NodeType,
		Description: "Dynamic plug-in handler",
		Category:    "dynamic",
		Outputs:     outputs,
	}
}

func (d *DynamicHandler) Execute(ectx ExecContext) Result {
	resource, ok := cfgString(ectx.NodeConfig, "resource")
	if !ok {
		return Fail(errs.Validation, "dynamic handler requires a \"resource\" config field")
	}
	operation, ok := cfgString(ectx.NodeConfig, "operation")
	if !ok {
		return Fail(errs.Validation, "dynamic handler requires an \"operation\" config field")
	}

	resOps, ok := d.ops[resource]
	if !ok {
		return Fail(errs.Validation, "unknown resource "+resource)
	}
	op, ok := resOps[operation]
	if !ok {
		return Fail(errs.Validation, "unknown operation "+operation+" for resource "+resource)
	}

	m, _ := ectx.NodeConfig.Map()
	fields := make(map[string]value.Value, len(op.Fields))
	for _, name := range op.Fields {
		if v, ok := m[name]; ok {
			fields[name] = v
		}
	}

	return op.Run(ectx, fields)
}
