package importexport

import (
	"context"
	"time"

	"github.com/n3flow/platform/internal/dag"
	"github.com/n3flow/platform/internal/storage"
	"github.com/n3flow/platform/pkg/errs"
)

// Exporter builds ExportPackages from a flow's currently published
// version.
type Exporter struct {
	store storage.Store
}

// NewExporter builds an Exporter backed by store.
func NewExporter(store storage.Store) *Exporter {
	return &Exporter{store: store}
}

// Export serializes flowID's published FlowVersion into a checksummed
// ExportPackage. exportedBy is the user id performing the export.
func (e *Exporter) Export(ctx context.Context, flowID, exportedBy string) (*ExportPackage, error) {
	flow, err := e.store.FindFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	fv, err := e.store.FindPublishedVersion(ctx, flowID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, errs.ConflictErr("flow has no published version to export")
		}
		return nil, err
	}

	deps := dependenciesFor(fv.Definition)
	flowSection := FlowSection{
		Name:        flow.Name,
		Description: flow.Description,
		Definition:  fv.Definition,
		Settings:    fv.Settings,
	}

	checksum, err := computeChecksum(flowSection, deps)
	if err != nil {
		return nil, err
	}

	return &ExportPackage{
		PackageVersion: currentPackageVersion,
		ExportedAt:     time.Now(),
		ExportedBy:     exportedBy,
		Flow:           flowSection,
		Dependencies:   deps,
		Checksum:       checksum,
	}, nil
}

// dependenciesFor derives a package's component and credential-placeholder
// dependency lists from a flow definition: one ComponentDependency per
// distinct node type (deduplicated, sorted for reproducibility), and one
// CredentialPlaceholder per node that carries a CredentialID — the
// credential value itself never leaves the store.
func dependenciesFor(def dag.Definition) Dependencies {
	seen := make(map[string]bool)
	var components []ComponentDependency
	var placeholders []CredentialPlaceholder

	for _, n := range def.Nodes {
		if !seen[n.Type] {
			seen[n.Type] = true
			components = append(components, ComponentDependency{Name: n.Type, Version: currentPackageVersion})
		}
		if n.CredentialID != "" {
			credType, _ := n.Config.Get("credentialType")
			credTypeStr, _ := credType.String()
			placeholders = append(placeholders, CredentialPlaceholder{
				NodeID:         n.ID,
				NodeName:       n.Label,
				CredentialType: credTypeStr,
				CredentialName: n.CredentialID,
			})
		}
	}

	return Dependencies{Components: components, CredentialPlaceholders: placeholders}
}
