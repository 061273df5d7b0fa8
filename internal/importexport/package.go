// Package importexport implements the Export/Import Pipeline (C6):
// serializing a flow's published version into a checksummed, portable
// package; previewing a package's component/credential dependencies
// before committing to an import; and performing the atomic import
// itself with credential re-binding.
package importexport

import (
	"time"

	"github.com/n3flow/platform/internal/dag"
	"github.com/n3flow/platform/pkg/value"
)

// ComponentDependency names one node-type's handler the flow relies on.
// Image, when non-nil, names a container image the platform could
// auto-install if the handler is not already registered.
type ComponentDependency struct {
	Name    string  `json:"name"`
	Version string  `json:"version"`
	Image   *string `json:"image,omitempty"`
}

// CredentialPlaceholder stands in for a credential value that was never
// exported: it records enough about the node that referenced it for an
// importer to decide which of their own credentials should fill the slot.
type CredentialPlaceholder struct {
	NodeID         string `json:"nodeId"`
	NodeName       string `json:"nodeName"`
	CredentialType string `json:"credentialType"`
	CredentialName string `json:"credentialName"`
}

// FlowSection is the portion of an ExportPackage describing the flow
// itself, independent of export metadata.
type FlowSection struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Definition  dag.Definition `json:"definition"`
	Settings    value.Value    `json:"settings"`
}

// Dependencies is the portion of an ExportPackage describing what the
// flow needs from the importing environment.
type Dependencies struct {
	Components             []ComponentDependency   `json:"components"`
	CredentialPlaceholders []CredentialPlaceholder `json:"credentialPlaceholders"`
}

// ExportPackage is the portable, checksummed representation of one
// flow's published version.
type ExportPackage struct {
	PackageVersion string       `json:"version"`
	ExportedAt     time.Time    `json:"exportedAt"`
	ExportedBy     string       `json:"exportedBy"`
	Flow           FlowSection  `json:"flow"`
	Dependencies   Dependencies `json:"dependencies"`
	Checksum       string       `json:"checksum"`
}

const currentPackageVersion = "1.0"
