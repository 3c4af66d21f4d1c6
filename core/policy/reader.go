package policy

import "context"

// Reader serves policy fetches in the same wire shape as writes.
type Reader struct {
	store RecordStore
}

func NewReader(store RecordStore) *Reader {
	return &Reader{store: store}
}

// Get returns the record for id. With metadataOnly the body is never fetched
// from the store. A missing id yields a KindNotFound error.
func (r *Reader) Get(ctx context.Context, id string, metadataOnly bool) (WireRecord, error) {
	if err := checkID(id); err != nil {
		return WireRecord{}, err
	}
	rec, found, err := r.store.Get(ctx, id, !metadataOnly)
	if err != nil {
		return WireRecord{}, storeUnavailable("policy store read failed", err)
	}
	if !found || rec == nil {
		return WireRecord{}, notFound(id)
	}
	var body []byte
	if !metadataOnly {
		body = rec.Body
	}
	out, err := ToWire(rec.Metadata, body)
	if err != nil {
		return WireRecord{}, storeUnavailable("failed to render policy", err)
	}
	return out, nil
}
