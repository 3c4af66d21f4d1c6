package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cordum/policyhub/core/infra/schema"
	"github.com/cordum/policyhub/core/policy"
	"github.com/redis/go-redis/v9"
)

const testIndex = "policies"

func newTestClient(t *testing.T) (redis.UniversalClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func newTestStore(t *testing.T, opts Options) (*Store, *IndexManager, *miniredis.Miniredis) {
	t.Helper()
	client, mr := newTestClient(t)
	reg := schema.NewRegistryWithClient(client)
	id, body := policy.Mapping()
	mgr := NewIndexManager(client, reg, testIndex, MappingSpec{ID: id, Schema: body, Version: policy.CurrentSchemaVersion})
	if ack, err := mgr.Ensure(context.Background()); err != nil || !ack.Acknowledged {
		t.Fatalf("ensure index: ack=%+v err=%v", ack, err)
	}
	opts.Index = testIndex
	if opts.Validator == nil {
		opts.Validator = reg
	}
	return New(client, opts), mgr, mr
}

func storedBody(t *testing.T, desc string) []byte {
	t.Helper()
	p := policy.Policy{
		Description:     desc,
		SchemaVersion:   policy.CurrentSchemaVersion,
		LastUpdatedTime: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Actions:         []policy.Action{{Type: "rollover", Params: map[string]any{"min_size": "50gb"}}},
	}
	body, err := policy.EncodeStored(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return body
}

func createReq(id string, body []byte) policy.PutRequest {
	return policy.PutRequest{
		ID:            id,
		Body:          body,
		IfSeqNo:       policy.UnassignedSeqNo,
		IfPrimaryTerm: policy.UnassignedPrimaryTerm,
		Refresh:       policy.RefreshImmediate,
	}
}

func TestStoreCreateThenConditionalUpdate(t *testing.T) {
	store, _, _ := newTestStore(t, Options{})
	ctx := context.Background()

	res, err := store.Put(ctx, createReq("p1", storedBody(t, "first")))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !res.Created || res.Status != http.StatusCreated {
		t.Fatalf("expected created 201, got created=%v status=%d", res.Created, res.Status)
	}
	if res.Metadata.Version != 1 || res.Metadata.SeqNo != 0 || res.Metadata.PrimaryTerm != 1 {
		t.Fatalf("unexpected metadata: %+v", res.Metadata)
	}
	if res.Shards.Successful != 1 || res.Shards.Total != 1 {
		t.Fatalf("unexpected shards: %+v", res.Shards)
	}
	var raw map[string]any
	if err := json.Unmarshal(res.Raw, &raw); err != nil {
		t.Fatalf("raw response: %v", err)
	}
	if raw["result"] != "created" || raw["_index"] != testIndex {
		t.Fatalf("unexpected raw response: %v", raw)
	}

	upd, err := store.Put(ctx, policy.PutRequest{
		ID:            "p1",
		Body:          storedBody(t, "second"),
		IfSeqNo:       res.Metadata.SeqNo,
		IfPrimaryTerm: res.Metadata.PrimaryTerm,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if upd.Created || upd.Status != http.StatusOK {
		t.Fatalf("expected update 200, got created=%v status=%d", upd.Created, upd.Status)
	}
	if upd.Metadata.Version != 2 || upd.Metadata.SeqNo <= res.Metadata.SeqNo {
		t.Fatalf("unexpected update metadata: %+v", upd.Metadata)
	}

	rec, found, err := store.Get(ctx, "p1", true)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if rec.Metadata != upd.Metadata {
		t.Fatalf("get metadata %+v != put metadata %+v", rec.Metadata, upd.Metadata)
	}
	p, err := policy.DecodeStored(rec.Body)
	if err != nil {
		t.Fatalf("decode stored: %v", err)
	}
	if p.Description != "second" {
		t.Fatalf("expected latest body, got %q", p.Description)
	}
}

func TestStoreSequenceIsIndexWide(t *testing.T) {
	store, _, _ := newTestStore(t, Options{})
	ctx := context.Background()

	a, err := store.Put(ctx, createReq("a", storedBody(t, "a")))
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := store.Put(ctx, createReq("b", storedBody(t, "b")))
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	if b.Metadata.SeqNo != a.Metadata.SeqNo+1 {
		t.Fatalf("expected seq %d, got %d", a.Metadata.SeqNo+1, b.Metadata.SeqNo)
	}
	if b.Metadata.Version != 1 {
		t.Fatalf("version is per document, got %d", b.Metadata.Version)
	}
}

func TestStoreCreateOnlyConflicts(t *testing.T) {
	store, _, _ := newTestStore(t, Options{})
	ctx := context.Background()

	if _, err := store.Put(ctx, createReq("p1", storedBody(t, "x"))); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := store.Put(ctx, createReq("p1", storedBody(t, "y")))
	if !errors.Is(err, policy.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestStoreConditionalWriteConflicts(t *testing.T) {
	store, _, _ := newTestStore(t, Options{})
	ctx := context.Background()

	_, err := store.Put(ctx, policy.PutRequest{ID: "ghost", Body: storedBody(t, "x"), IfSeqNo: 0, IfPrimaryTerm: 1})
	if !errors.Is(err, policy.ErrConflict) {
		t.Fatalf("expected conflict for missing doc, got %v", err)
	}

	res, err := store.Put(ctx, createReq("p1", storedBody(t, "x")))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = store.Put(ctx, policy.PutRequest{ID: "p1", Body: storedBody(t, "y"), IfSeqNo: res.Metadata.SeqNo + 5, IfPrimaryTerm: 1})
	if !errors.Is(err, policy.ErrConflict) {
		t.Fatalf("expected stale seq conflict, got %v", err)
	}
	_, err = store.Put(ctx, policy.PutRequest{ID: "p1", Body: storedBody(t, "y"), IfSeqNo: res.Metadata.SeqNo, IfPrimaryTerm: 7})
	if !errors.Is(err, policy.ErrConflict) {
		t.Fatalf("expected primary term conflict, got %v", err)
	}

	rec, _, err := store.Get(ctx, "p1", false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Metadata.Version != 1 {
		t.Fatalf("rejected writes must not change the record, got %+v", rec.Metadata)
	}
}

func TestStoreConcurrentConditionalWritesOneWins(t *testing.T) {
	store, _, _ := newTestStore(t, Options{})
	ctx := context.Background()

	res, err := store.Put(ctx, createReq("p1", storedBody(t, "base")))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Put(ctx, policy.PutRequest{
				ID:            "p1",
				Body:          storedBody(t, "race"),
				IfSeqNo:       res.Metadata.SeqNo,
				IfPrimaryTerm: res.Metadata.PrimaryTerm,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, policy.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || conflicts != writers-1 {
		t.Fatalf("expected exactly one winner, got wins=%d conflicts=%d", wins, conflicts)
	}
}

func TestStoreGetMetadataOnly(t *testing.T) {
	store, _, _ := newTestStore(t, Options{})
	ctx := context.Background()

	if _, err := store.Put(ctx, createReq("p1", storedBody(t, "x"))); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, found, err := store.Get(ctx, "p1", false)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if rec.Body != nil {
		t.Fatalf("expected no body, got %s", rec.Body)
	}

	_, found, err = store.Get(ctx, "missing", true)
	if err != nil || found {
		t.Fatalf("expected not found, got found=%v err=%v", found, err)
	}
	if _, _, err := store.Get(ctx, " ", true); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestStoreRejectsMappingViolation(t *testing.T) {
	store, _, _ := newTestStore(t, Options{})

	_, err := store.Put(context.Background(), createReq("p1", []byte(`{"policy":{"actions":[]}}`)))
	if !errors.Is(err, policy.ErrMapping) {
		t.Fatalf("expected mapping error, got %v", err)
	}
	if _, found, _ := store.Get(context.Background(), "p1", false); found {
		t.Fatalf("rejected document must not be stored")
	}
}

func TestStoreRequiresEnsuredIndex(t *testing.T) {
	client, _ := newTestClient(t)
	store := New(client, Options{Index: "fresh"})

	_, err := store.Put(context.Background(), createReq("p1", storedBody(t, "x")))
	if !errors.Is(err, ErrIndexMissing) {
		t.Fatalf("expected missing index, got %v", err)
	}
}

func TestStoreReplicaShortfallIsReported(t *testing.T) {
	store, _, _ := newTestStore(t, Options{WaitReplicas: 2, ReplicaWaitTimeout: 10 * time.Millisecond})

	res, err := store.Put(context.Background(), createReq("p1", storedBody(t, "x")))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Shards.Total != 3 || res.Shards.Successful != 1 || res.Shards.Failed != 2 {
		t.Fatalf("unexpected shards: %+v", res.Shards)
	}

	res, err = store.Put(context.Background(), policy.PutRequest{
		ID:            "p1",
		Body:          storedBody(t, "y"),
		IfSeqNo:       res.Metadata.SeqNo,
		IfPrimaryTerm: res.Metadata.PrimaryTerm,
		Refresh:       policy.RefreshNone,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.Shards.Total != 3 || res.Shards.Successful != 1 || res.Shards.Failed != 2 {
		t.Fatalf("refresh=false must still count replicas, got %+v", res.Shards)
	}
}

func TestKeysShareHashTag(t *testing.T) {
	if got := docKey("policies", "p1"); got != "policyhub:{policies}:doc:p1" {
		t.Fatalf("unexpected doc key %q", got)
	}
	if got := seqKey("policies"); got != "policyhub:{policies}:seq" {
		t.Fatalf("unexpected seq key %q", got)
	}
	if got := metaKey("policies"); got != "policyhub:{policies}:meta" {
		t.Fatalf("unexpected meta key %q", got)
	}
}

func TestParseInt(t *testing.T) {
	if v, err := parseInt("42"); err != nil || v != 42 {
		t.Fatalf("parse string: %d %v", v, err)
	}
	if v, err := parseInt(int64(7)); err != nil || v != 7 {
		t.Fatalf("parse int64: %d %v", v, err)
	}
	if _, err := parseInt(nil); err == nil {
		t.Fatalf("expected error for nil")
	}
	if _, err := parseInt("x"); err == nil {
		t.Fatalf("expected error for junk")
	}
}
