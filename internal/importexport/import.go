package importexport

import (
	"context"
	"fmt"
	"time"

	"github.com/n3flow/platform/internal/dag"
	"github.com/n3flow/platform/internal/storage"
	"github.com/n3flow/platform/pkg/errs"
)

// ImportOptions carries the caller-supplied choices that steer an import:
// an optional name override, and a mapping from a placeholder's nodeId to
// the credential id the importer wants bound in its place.
type ImportOptions struct {
	OwnerID           string
	NewFlowName       string
	CredentialMappings map[string]string
}

// ImportResult is what a successful import produces.
type ImportResult struct {
	Flow        *storage.Flow
	FlowVersion *storage.FlowVersion
	Record      *storage.ImportRecord
}

// Importer performs the atomic import half of the pipeline.
type Importer struct {
	store storage.Store
}

// NewImporter builds an Importer backed by store.
func NewImporter(store storage.Store) *Importer {
	return &Importer{store: store}
}

// Import validates pkg's checksum, resolves a non-colliding flow name,
// rewrites node credentialId fields per opts.CredentialMappings, and
// persists Flow + FlowVersion + ImportRecord inside a single transaction.
func (im *Importer) Import(ctx context.Context, pkg *ExportPackage, opts ImportOptions) (*ImportResult, error) {
	if err := verifyChecksum(pkg); err != nil {
		return nil, err
	}

	_, parseResult := dag.Parse(pkg.Flow.Definition, "")
	if !parseResult.Valid {
		return nil, errs.ValidationErr(fmt.Sprintf("package definition is invalid: %v", parseResult.Errors))
	}

	name, err := im.resolveName(ctx, opts.OwnerID, pkg.Flow.Name, opts.NewFlowName)
	if err != nil {
		return nil, err
	}

	definition := remapCredentials(pkg.Flow.Definition, opts.CredentialMappings)

	var result ImportResult
	err = im.store.Transact(ctx, func(ctx context.Context, tx storage.Store) error {
		flow := &storage.Flow{
			Name:        name,
			Description: pkg.Flow.Description,
			OwnerID:     opts.OwnerID,
		}
		if err := tx.CreateFlow(ctx, flow); err != nil {
			return err
		}

		fv := &storage.FlowVersion{
			FlowID:     flow.ID,
			Version:    1,
			Definition: definition,
			Settings:   pkg.Flow.Settings,
			Published:  false,
		}
		if err := tx.CreateFlowVersion(ctx, fv); err != nil {
			return err
		}

		record := &storage.ImportRecord{
			FlowID:             flow.ID,
			FlowVersionID:      fv.ID,
			PackageChecksum:    pkg.Checksum,
			CredentialMappings: opts.CredentialMappings,
			ImportedBy:         opts.OwnerID,
			ImportedAt:         time.Now(),
		}
		if err := tx.CreateImportRecord(ctx, record); err != nil {
			return err
		}

		result = ImportResult{Flow: flow, FlowVersion: fv, Record: record}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// resolveName picks the flow name to import under: the caller's override
// if given, else "<original> (Imported)"; on collision with an existing
// non-deleted flow, a timestamp suffix is appended until it's unique.
func (im *Importer) resolveName(ctx context.Context, ownerID, originalName, override string) (string, error) {
	candidate := override
	if candidate == "" {
		candidate = originalName + " (Imported)"
	}

	for attempt := 0; ; attempt++ {
		name := candidate
		if attempt > 0 {
			name = fmt.Sprintf("%s (%d)", candidate, time.Now().UnixNano())
		}
		_, err := im.store.FindFlowByName(ctx, ownerID, name)
		if err == storage.ErrNotFound {
			return name, nil
		}
		if err != nil {
			return "", err
		}
		if attempt > 3 {
			return "", errs.New(errs.Internal, "could not resolve a unique flow name after several attempts")
		}
	}
}

// remapCredentials rewrites each node's CredentialID per mappings (keyed
// by node id); a node that had a placeholder but no mapping entry has its
// CredentialID stripped rather than carried forward, since the original
// value never round-tripped through the package in the first place.
func remapCredentials(def dag.Definition, mappings map[string]string) dag.Definition {
	nodes := make([]dag.Node, len(def.Nodes))
	for i, n := range def.Nodes {
		n.CredentialID = mappings[n.ID]
		nodes[i] = n
	}
	return dag.Definition{Nodes: nodes, Edges: def.Edges}
}
