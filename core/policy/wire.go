package policy

import (
	"encoding/json"
	"fmt"
)

// WireRecord is the shape returned by reads and writes.
type WireRecord struct {
	ID          string          `json:"_id"`
	Version     int64           `json:"_version"`
	SeqNo       int64           `json:"_seq_no"`
	PrimaryTerm int64           `json:"_primary_term"`
	Policy      json.RawMessage `json:"policy,omitempty"`
}

// ToWire maps stored metadata and an optional raw stored body to the wire shape.
// The storage wrapper is stripped from the body.
func ToWire(meta RecordMetadata, raw []byte) (WireRecord, error) {
	rec := WireRecord{
		ID:          meta.ID,
		Version:     meta.Version,
		SeqNo:       meta.SeqNo,
		PrimaryTerm: meta.PrimaryTerm,
	}
	if len(raw) == 0 {
		return rec, nil
	}
	p, err := DecodeStored(raw)
	if err != nil {
		return WireRecord{}, err
	}
	body, err := json.Marshal(p.WithID(meta.ID))
	if err != nil {
		return WireRecord{}, fmt.Errorf("encode policy: %w", err)
	}
	rec.Policy = body
	return rec, nil
}
