package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Sentinel concurrency tokens meaning "create only if absent".
const (
	UnassignedSeqNo       int64 = -2
	UnassignedPrimaryTerm int64 = 0
)

// RecordMetadata identifies the exact stored state of a record.
type RecordMetadata struct {
	ID          string
	Version     int64
	SeqNo       int64
	PrimaryTerm int64
}

// Refresh controls when a write becomes visible to subsequent reads.
type Refresh string

const (
	RefreshImmediate Refresh = "true"
	RefreshWaitFor   Refresh = "wait_for"
	RefreshNone      Refresh = "false"
)

// ParseRefresh maps the refresh query value. Empty means immediate visibility.
func ParseRefresh(raw string) (Refresh, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "true":
		return RefreshImmediate, nil
	case "wait_for":
		return RefreshWaitFor, nil
	case "false":
		return RefreshNone, nil
	default:
		return "", fmt.Errorf("unsupported refresh value %q", raw)
	}
}

// Shards reports how many copies of a write were applied.
type Shards struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// PutRequest is a single write against the record store.
type PutRequest struct {
	ID            string
	Body          []byte
	IfSeqNo       int64
	IfPrimaryTerm int64
	Refresh       Refresh
}

// CreateOnly reports whether the request carries the unassigned token pair.
func (r PutRequest) CreateOnly() bool {
	return r.IfSeqNo == UnassignedSeqNo && r.IfPrimaryTerm == UnassignedPrimaryTerm
}

// PutResult is the store's answer to a write. Raw is the store response body
// and Status its HTTP-equivalent code.
type PutResult struct {
	Metadata RecordMetadata
	Created  bool
	Status   int
	Shards   Shards
	Raw      json.RawMessage
}

// Record is a stored document. Body is nil when only metadata was fetched.
type Record struct {
	Metadata RecordMetadata
	Body     []byte
}

// RecordStore is a document store with conditional writes. Put returns an error
// wrapping ErrConflict when the concurrency tokens do not match and ErrMapping
// when the body is refused by the index mapping.
type RecordStore interface {
	Get(ctx context.Context, id string, fetchBody bool) (*Record, bool, error)
	Put(ctx context.Context, req PutRequest) (*PutResult, error)
}

// Ack is the outcome of a schema ensure call.
type Ack struct {
	Acknowledged bool
	Diagnostic   json.RawMessage
}

// SchemaEnsurer guarantees the backing index and mapping exist. It must be
// idempotent and safe for concurrent callers.
type SchemaEnsurer interface {
	Ensure(ctx context.Context) (Ack, error)
}
