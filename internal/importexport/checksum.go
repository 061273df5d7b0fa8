package importexport

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/n3flow/platform/pkg/errs"
	"github.com/n3flow/platform/pkg/value"
)

// checksumBody is the exact shape the checksum is computed over: the
// package's flow and dependencies sections, nothing else. Field order in
// this struct is irrelevant since computeChecksum canonicalizes via
// value.Value.CanonicalJSON before hashing.
type checksumBody struct {
	Flow         FlowSection  `json:"flow"`
	Dependencies Dependencies `json:"dependencies"`
}

// computeChecksum returns the hex-encoded SHA-256 of the canonical JSON
// encoding of {flow, dependencies} — the checksum field itself, and the
// package's export metadata (version/exportedAt/exportedBy), are excluded.
func computeChecksum(flow FlowSection, deps Dependencies) (string, error) {
	raw, err := json.Marshal(checksumBody{Flow: flow, Dependencies: deps})
	if err != nil {
		return "", errs.Wrap(errs.Internal, "marshal checksum body", err)
	}
	v, err := value.FromJSON(raw)
	if err != nil {
		return "", errs.Wrap(errs.Internal, "parse checksum body", err)
	}
	canon, err := v.CanonicalJSON()
	if err != nil {
		return "", errs.Wrap(errs.Internal, "canonicalize checksum body", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// verifyChecksum recomputes p's checksum from its flow/dependencies
// sections and compares it against the stored one.
func verifyChecksum(p *ExportPackage) error {
	got, err := computeChecksum(p.Flow, p.Dependencies)
	if err != nil {
		return err
	}
	if got != p.Checksum {
		return errs.ChecksumMismatchErr()
	}
	return nil
}
