package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// NoID marks a policy whose id must be supplied by the caller.
	NoID = ""
	// CurrentSchemaVersion is stamped on every accepted write.
	CurrentSchemaVersion = 1
)

// checkID admits ids verbatim. A blank id is missing; surrounding whitespace
// is refused rather than trimmed so that two spellings never address one
// document.
func checkID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == NoID {
		return invalidRequest("Missing policy ID", nil)
	}
	if trimmed != id {
		return invalidRequest(fmt.Sprintf("policy ID %q must not start or end with whitespace", id), nil)
	}
	return nil
}

// KnownActionTypes lists every lifecycle action type this service understands.
// It seeds the allow-list when no settings are configured.
var KnownActionTypes = []string{
	"rollover",
	"delete",
	"transition",
	"close",
	"open",
	"read_only",
	"read_write",
	"replica_count",
	"force_merge",
	"notification",
	"snapshot",
	"index_priority",
	"allocation",
	"rollup",
	"shrink",
	"alias",
	"transform",
}

// Policy is an immutable lifecycle policy document. Mutators return copies.
type Policy struct {
	ID              string    `json:"policy_id,omitempty"`
	Description     string    `json:"description,omitempty"`
	SchemaVersion   int64     `json:"schema_version"`
	LastUpdatedTime time.Time `json:"last_updated_time"`
	Actions         []Action  `json:"actions"`
}

// Action is one step of a policy. Params holds every key besides "type".
type Action struct {
	Type   string
	Params map[string]any
}

// WithID returns a copy of p carrying id.
func (p Policy) WithID(id string) Policy {
	out := p.clone()
	out.ID = id
	return out
}

// WithSchemaVersion returns a copy of p stamped with version.
func (p Policy) WithSchemaVersion(version int64) Policy {
	out := p.clone()
	out.SchemaVersion = version
	return out
}

// WithLastUpdatedTime returns a copy of p stamped with t (UTC, millisecond precision).
func (p Policy) WithLastUpdatedTime(t time.Time) Policy {
	out := p.clone()
	out.LastUpdatedTime = t.UTC().Truncate(time.Millisecond)
	return out
}

// ActionTypes returns the action type names in declaration order.
func (p Policy) ActionTypes() []string {
	out := make([]string, 0, len(p.Actions))
	for _, a := range p.Actions {
		out = append(out, a.Type)
	}
	return out
}

func (p Policy) clone() Policy {
	out := p
	if p.Actions != nil {
		out.Actions = make([]Action, len(p.Actions))
		for i, a := range p.Actions {
			out.Actions[i] = a.clone()
		}
	}
	return out
}

func (a Action) clone() Action {
	out := Action{Type: a.Type}
	if a.Params != nil {
		out.Params = deepCopyMap(a.Params)
	}
	return out
}

func deepCopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

// MarshalJSON flattens Params next to the type discriminator.
func (a Action) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(a.Params)+1)
	for k, v := range a.Params {
		out[k] = v
	}
	out["type"] = a.Type
	return json.Marshal(out)
}

// UnmarshalJSON reads {"type": "...", ...params}. Numeric params stay
// json.Number so integers beyond 2^53 survive a round trip.
func (a *Action) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("action must be an object")
	}
	typ, _ := raw["type"].(string)
	delete(raw, "type")
	a.Type = strings.TrimSpace(typ)
	a.Params = nil
	if len(raw) > 0 {
		a.Params = raw
	}
	return nil
}
