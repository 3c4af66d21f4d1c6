package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// typeKey wraps stored policies so they can share an index with other document types.
const typeKey = "policy"

// requestDoc is the accepted request shape. System-stamped fields are tolerated
// but never trusted.
type requestDoc struct {
	ID              string          `json:"policy_id"`
	Description     string          `json:"description"`
	SchemaVersion   json.RawMessage `json:"schema_version"`
	LastUpdatedTime json.RawMessage `json:"last_updated_time"`
	Actions         []Action        `json:"actions"`
}

// ParseRequest parses a submitted policy body, bare or wrapped under "policy".
// The returned policy carries id and no system-stamped fields.
func ParseRequest(id string, body []byte) (Policy, error) {
	inner, err := unwrap(body, false)
	if err != nil {
		return Policy{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(inner))
	dec.DisallowUnknownFields()
	var doc requestDoc
	if err := dec.Decode(&doc); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("parse policy: unexpected data after policy document")
	}
	if err := checkActions(doc.Actions); err != nil {
		return Policy{}, err
	}
	return Policy{
		ID:          id,
		Description: doc.Description,
		Actions:     doc.Actions,
	}, nil
}

// EncodeStored renders p in its storage form, wrapped under the type key.
func EncodeStored(p Policy) ([]byte, error) {
	return json.Marshal(map[string]Policy{typeKey: p})
}

// DecodeStored parses a stored document. Documents written by a newer schema
// version than this binary supports are refused.
func DecodeStored(raw []byte) (Policy, error) {
	inner, err := unwrap(raw, true)
	if err != nil {
		return Policy{}, err
	}
	var p Policy
	if err := json.Unmarshal(inner, &p); err != nil {
		return Policy{}, fmt.Errorf("decode stored policy: %w", err)
	}
	if p.SchemaVersion == 0 {
		p.SchemaVersion = 1
	}
	if p.SchemaVersion > CurrentSchemaVersion {
		return Policy{}, fmt.Errorf("stored policy schema_version %d is newer than supported %d", p.SchemaVersion, CurrentSchemaVersion)
	}
	if p.LastUpdatedTime.IsZero() {
		p.LastUpdatedTime = time.Unix(0, 0).UTC()
	}
	return p, nil
}

// unwrap strips the type discriminator. When required is false a bare
// document is accepted as is.
func unwrap(body []byte, required bool) ([]byte, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("request body is required")
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if inner, ok := top[typeKey]; ok && len(top) == 1 {
		return inner, nil
	}
	if required {
		return nil, fmt.Errorf("stored document is missing the %q wrapper", typeKey)
	}
	return body, nil
}

func checkActions(actions []Action) error {
	if len(actions) == 0 {
		return fmt.Errorf("policy must declare at least one action")
	}
	for i, a := range actions {
		if a.Type == "" {
			return fmt.Errorf("action %d is missing a type", i)
		}
	}
	return nil
}
