// Package storage defines the persistence contract the engine and its
// collaborators (schedule, webhook, import/export) consume, independent of
// the backing implementation.
package storage

import (
	"context"
	"time"

	"github.com/n3flow/platform/internal/dag"
	"github.com/n3flow/platform/pkg/errs"
	"github.com/n3flow/platform/pkg/value"
)

// Flow is the top-level workflow entity a user creates and names.
type Flow struct {
	ID          string
	Name        string
	Description string
	OwnerID     string
	DeletedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FlowVersion is one immutable, versioned graph definition belonging to a
// Flow. Only one version per flow may be Published at a time.
type FlowVersion struct {
	ID         string
	FlowID     string
	Version    int
	Definition dag.Definition
	Settings   value.Value
	Published  bool
	CreatedAt  time.Time
}

// Execution is one run of a FlowVersion.
type Execution struct {
	ID              string
	FlowVersionID   string
	Status          string
	TriggerContext  value.Value
	Output          value.Value
	Error           *errs.Error
	StartedAt       time.Time
	CompletedAt     time.Time
}

// NodeExecution is one node's run within an Execution. ID is the
// composite `<loopId>:<iterIdx>:<bodyNodeId>` form for loop-body nodes and
// the bare node id otherwise.
type NodeExecution struct {
	ID          string
	ExecutionID string
	NodeID      string
	Status      string
	Attempts    int
	Input       value.Value
	Output      value.Value
	Error       *errs.Error
	StartedAt   time.Time
	CompletedAt time.Time
}

// DeviceKey is a registered secure-channel peer's negotiated key material
// and per-direction sequence counters.
type DeviceKey struct {
	DeviceID      string
	PublicKey     []byte
	EncKeyC2S     []byte
	EncKeyS2C     []byte
	AuthKey       []byte
	LastSeqIn     uint64
	LastSeqOut    uint64
	Revoked       bool
	RegisteredAt  time.Time
}

// Webhook matches an inbound request's (path, method) to a flow trigger.
type Webhook struct {
	ID           string
	FlowID       string
	Path         string
	Method       string
	AuthRule     string // "none" | "hmac"
	HMACSecretID string
	Active       bool
}

// Schedule fires a FlowVersion on a cron expression.
type Schedule struct {
	ID            string
	FlowID        string
	FlowVersionID string
	CronExpr      string
	Timezone      string
	Active        bool
	NextRunAt     time.Time
	LastRunAt     time.Time
}

// ImportRecord audits one import of an ExportPackage.
type ImportRecord struct {
	ID                 string
	FlowID              string
	FlowVersionID        string
	PackageChecksum      string
	CredentialMappings   map[string]string
	ImportedBy           string
	ImportedAt           time.Time
}

// Store is the storage collaborator contract. The engine consumes the
// Execution/NodeExecution/DeviceKey methods directly; flow/version/webhook/
// schedule/import-record methods back the surrounding collaborators
// (schedule, webhook, import/export) that also need durable state.
//
// All individual methods are assumed single-statement atomic. Multi-step
// invariants (publishing a new FlowVersion, importing a package) use
// Transact.
type Store interface {
	CreateFlow(ctx context.Context, f *Flow) error
	FindFlow(ctx context.Context, flowID string) (*Flow, error)
	// FindFlowByName looks up a non-deleted flow owned by ownerID with the
	// given name, returning ErrNotFound if none exists. Used by import's
	// name-collision check.
	FindFlowByName(ctx context.Context, ownerID, name string) (*Flow, error)

	CreateFlowVersion(ctx context.Context, v *FlowVersion) error
	FindFlowVersion(ctx context.Context, flowVersionID string) (*FlowVersion, error)
	FindPublishedVersion(ctx context.Context, flowID string) (*FlowVersion, error)
	PublishFlowVersion(ctx context.Context, flowVersionID string) error

	CreateExecution(ctx context.Context, e *Execution) error
	UpdateExecution(ctx context.Context, e *Execution) error
	FindExecution(ctx context.Context, executionID string) (*Execution, error)

	CreateNodeExecution(ctx context.Context, ne *NodeExecution) error
	UpdateNodeExecution(ctx context.Context, ne *NodeExecution) error
	ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error)

	FindDeviceKey(ctx context.Context, deviceID string) (*DeviceKey, error)
	StoreDeviceKey(ctx context.Context, dk *DeviceKey) error
	DeleteDeviceKey(ctx context.Context, deviceID string) error

	CreateWebhook(ctx context.Context, w *Webhook) error
	FindWebhook(ctx context.Context, path, method string) (*Webhook, error)
	ListActiveWebhooks(ctx context.Context) ([]*Webhook, error)

	CreateSchedule(ctx context.Context, s *Schedule) error
	ListActiveSchedules(ctx context.Context) ([]*Schedule, error)
	UpdateSchedule(ctx context.Context, s *Schedule) error

	CreateImportRecord(ctx context.Context, r *ImportRecord) error

	// Transact runs block against a Store bound to a single atomic
	// transaction; an error returned by block rolls back every write
	// block made through its Store argument.
	Transact(ctx context.Context, block func(ctx context.Context, tx Store) error) error
}

// ErrNotFound is returned by Find* methods when the entity does not exist.
var ErrNotFound = errs.New(errs.NotFound, "entity not found")
