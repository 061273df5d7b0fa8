package importexport

import (
	"github.com/tidwall/gjson"

	"github.com/n3flow/platform/pkg/errs"
)

// PeekDependencies does a cheap, allocation-light scan of a raw package's
// dependencies section without running the full encoding/json.Unmarshal +
// checksum-verify pipeline, so a caller (an upload handler deciding
// whether to even queue a full Preview) can reject an obviously
// incompatible package — e.g. one with an empty component list, or one
// missing the dependencies object entirely — before paying full parse
// cost.
type DependencyPeek struct {
	ComponentNames  []string
	CredentialTypes []string
}

func PeekDependencies(raw []byte) (*DependencyPeek, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errs.ValidationErr("package is not valid JSON")
	}
	deps := gjson.GetBytes(raw, "dependencies")
	if !deps.Exists() {
		return nil, errs.ValidationErr("package is missing a dependencies section")
	}

	peek := &DependencyPeek{}
	deps.Get("components").ForEach(func(_, v gjson.Result) bool {
		peek.ComponentNames = append(peek.ComponentNames, v.Get("name").String())
		return true
	})
	deps.Get("credentialPlaceholders").ForEach(func(_, v gjson.Result) bool {
		peek.CredentialTypes = append(peek.CredentialTypes, v.Get("credentialType").String())
		return true
	})
	return peek, nil
}
