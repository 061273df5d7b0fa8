package postgres

import (
	"encoding/json"

	"github.com/n3flow/platform/pkg/errs"
)

// storedError is the persisted shape of an *errs.Error: Kind and Message
// only. Details and Err are documented as logging-only and are never
// carried across a storage boundary, the same restriction errs.Error
// already places on serializing them to a caller.
type storedError struct {
	Kind    errs.Kind `json:"kind"`
	Message string    `json:"message"`
}

func marshalError(e *errs.Error) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	return json.Marshal(storedError{Kind: e.Kind, Message: e.Message})
}

func unmarshalError(raw []byte) (*errs.Error, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var se storedError
	if err := json.Unmarshal(raw, &se); err != nil {
		return nil, err
	}
	return errs.New(se.Kind, se.Message), nil
}
