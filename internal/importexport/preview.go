package importexport

import (
	"context"

	"github.com/n3flow/platform/internal/dag"
	"github.com/n3flow/platform/internal/handler"
)

// ComponentRegistry reports whether a node-type component is available to
// dispatch. *handler.Registry satisfies this directly.
type ComponentRegistry interface {
	Get(nodeType string) (handler.Handler, bool)
}

// CredentialOption is one of a user's existing credentials offered as a
// compatible fill for a CredentialPlaceholder during preview.
type CredentialOption struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CredentialLister looks up a user's credentials of a given type. The
// credential collaborator's resolver implements this; importexport only
// depends on this narrow interface so it can be built and tested before
// that collaborator exists.
type CredentialLister interface {
	ListByType(ctx context.Context, userID, credentialType string) ([]CredentialOption, error)
}

// ComponentPreview reports one component dependency's install status.
type ComponentPreview struct {
	ComponentDependency
	Installed      bool `json:"installed"`
	CanAutoInstall bool `json:"canAutoInstall"`
}

// CredentialPreview reports one credential placeholder's compatible
// existing credentials.
type CredentialPreview struct {
	CredentialPlaceholder
	Compatible []CredentialOption `json:"compatible"`
}

// PreviewResult is the outcome of previewing a package before import.
type PreviewResult struct {
	Components  []ComponentPreview   `json:"components"`
	Credentials []CredentialPreview  `json:"credentials"`
	Blockers    []string             `json:"blockers"`
	CanImport   bool                 `json:"canImport"`
}

// Previewer evaluates an ExportPackage's importability for a given user
// without mutating any state.
type Previewer struct {
	components  ComponentRegistry
	credentials CredentialLister
}

// NewPreviewer builds a Previewer. credentials may be nil, in which case
// every credential placeholder is reported with zero compatible options
// (but never treated as a blocker — a missing credential binding is
// resolved at import time, not preview time).
func NewPreviewer(components ComponentRegistry, credentials CredentialLister) *Previewer {
	return &Previewer{components: components, credentials: credentials}
}

// Preview runs the five preview steps from the pipeline's spec: checksum
// verification, DAG parse-validation, per-component install status,
// per-credential-placeholder compatible-credential lookup, and the final
// canImport rollup.
func (p *Previewer) Preview(ctx context.Context, pkg *ExportPackage, userID string) (*PreviewResult, error) {
	if err := verifyChecksum(pkg); err != nil {
		return nil, err
	}

	var blockers []string

	_, parseResult := dag.Parse(pkg.Flow.Definition, "")
	if !parseResult.Valid {
		blockers = append(blockers, parseResult.Errors...)
	}

	components := make([]ComponentPreview, 0, len(pkg.Dependencies.Components))
	for _, dep := range pkg.Dependencies.Components {
		cp := ComponentPreview{ComponentDependency: dep}
		if p.components != nil {
			_, cp.Installed = p.components.Get(dep.Name)
		}
		if !cp.Installed {
			if dep.Image != nil {
				cp.CanAutoInstall = true
			} else {
				blockers = append(blockers, "component "+dep.Name+" is not installed and cannot be auto-installed")
			}
		}
		components = append(components, cp)
	}

	credentials := make([]CredentialPreview, 0, len(pkg.Dependencies.CredentialPlaceholders))
	for _, ph := range pkg.Dependencies.CredentialPlaceholders {
		preview := CredentialPreview{CredentialPlaceholder: ph}
		if p.credentials != nil {
			opts, err := p.credentials.ListByType(ctx, userID, ph.CredentialType)
			if err != nil {
				return nil, err
			}
			preview.Compatible = opts
		}
		credentials = append(credentials, preview)
	}

	return &PreviewResult{
		Components:  components,
		Credentials: credentials,
		Blockers:    blockers,
		CanImport:   len(blockers) == 0,
	}, nil
}
