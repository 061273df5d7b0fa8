package handler

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/n3flow/platform/pkg/errs"
	"github.com/n3flow/platform/pkg/value"
)

// asJSONDoc round-trips v through encoding/json rather than using
// Value.ToAny() directly: jsonschema.Schema.Validate expects exactly the
// types encoding/json produces for a generic interface{} (float64 for
// numbers, not int64), and ToAny preserves Value's own int64 kind.
func asJSONDoc(v value.Value) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// schemaValidator compiles each handler's configSchema once and caches the
// result, since jsonschema.Compiler.Compile is not cheap enough to repeat
// on every node execution.
type schemaValidator struct {
	mu     sync.Mutex
	byType map[string]*jsonschema.Schema
}

func newSchemaValidator() *schemaValidator {
	return &schemaValidator{byType: make(map[string]*jsonschema.Schema)}
}

func (v *schemaValidator) compile(nodeType string, schema value.Value) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if compiled, ok := v.byType[nodeType]; ok {
		return compiled, nil
	}

	schemaDoc, err := asJSONDoc(schema)
	if err != nil {
		return nil, fmt.Errorf("decode schema for %s: %w", nodeType, err)
	}

	c := jsonschema.NewCompiler()
	resource := nodeType + ".json"
	if err := c.AddResource(resource, schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource for %s: %w", nodeType, err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", nodeType, err)
	}
	v.byType[nodeType] = compiled
	return compiled, nil
}

// validate checks cfg against the handler's ConfigSchema, a no-op when the
// handler declares none. A validation failure is reported with
// errs.Validation so the caller's error-handling story is the same as any
// other bad node config.
func (v *schemaValidator) validate(nodeType string, schema, cfg value.Value) *errs.Error {
	if schema.IsNull() {
		return nil
	}
	compiled, err := v.compile(nodeType, schema)
	if err != nil {
		return errs.New(errs.Internal, err.Error())
	}
	cfgDoc, err := asJSONDoc(cfg)
	if err != nil {
		return errs.New(errs.Internal, err.Error())
	}
	if err := compiled.Validate(cfgDoc); err != nil {
		return errs.New(errs.Validation, "node config failed schema validation: "+err.Error())
	}
	return nil
}
