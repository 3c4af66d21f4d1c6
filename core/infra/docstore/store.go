package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cordum/policyhub/core/infra/logging"
	"github.com/cordum/policyhub/core/infra/redisutil"
	"github.com/cordum/policyhub/core/infra/schema"
	"github.com/cordum/policyhub/core/policy"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix          = "policyhub"
	defaultIndex       = "policies"
	defaultWaitTimeout = time.Second
	maxTxAttempts      = 16

	fieldBody        = "body"
	fieldVersion     = "version"
	fieldSeqNo       = "seq_no"
	fieldPrimaryTerm = "primary_term"
)

var (
	// ErrIndexMissing is returned when writing into an index that was never ensured.
	ErrIndexMissing = errors.New("index not found")
	// ErrVersionConflict and ErrMapping are the port sentinels, matched with errors.Is.
	ErrVersionConflict = policy.ErrConflict
	ErrMapping         = policy.ErrMapping
)

// Validator checks a document body against a registered schema.
type Validator interface {
	ValidateID(ctx context.Context, id string, value any) error
}

// Options configures a Store.
type Options struct {
	Index string
	// Validator enforces the index mapping on every write when set.
	Validator Validator
	// WaitReplicas is the number of Redis replicas a write waits for.
	WaitReplicas       int
	ReplicaWaitTimeout time.Duration
}

// Store is a versioned document store on Redis. Conditional writes are
// arbitrated with WATCH/MULTI/EXEC on the document and the index sequence.
type Store struct {
	client       redis.UniversalClient
	index        string
	validator    Validator
	waitReplicas int
	waitTimeout  time.Duration
}

// New constructs a Store on an existing client.
func New(client redis.UniversalClient, opts Options) *Store {
	s := &Store{
		client:       client,
		index:        strings.TrimSpace(opts.Index),
		validator:    opts.Validator,
		waitReplicas: opts.WaitReplicas,
		waitTimeout:  opts.ReplicaWaitTimeout,
	}
	if s.index == "" {
		s.index = defaultIndex
	}
	if s.waitReplicas < 0 {
		s.waitReplicas = 0
	}
	if s.waitTimeout <= 0 {
		s.waitTimeout = defaultWaitTimeout
	}
	return s
}

// NewFromURL dials Redis and constructs a Store.
func NewFromURL(url string, opts Options) (*Store, error) {
	client, err := redisutil.Connect(url)
	if err != nil {
		return nil, err
	}
	return New(client, opts), nil
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Index returns the index name the store writes into.
func (s *Store) Index() string {
	return s.index
}

// Get returns the record for id. Without fetchBody only metadata fields are read.
func (s *Store) Get(ctx context.Context, id string, fetchBody bool) (*policy.Record, bool, error) {
	if strings.TrimSpace(id) == "" {
		return nil, false, fmt.Errorf("id required")
	}
	fields := []string{fieldVersion, fieldSeqNo, fieldPrimaryTerm}
	if fetchBody {
		fields = append(fields, fieldBody)
	}
	vals, err := s.client.HMGet(ctx, docKey(s.index, id), fields...).Result()
	if err != nil {
		return nil, false, err
	}
	cur, err := parseDocState(id, vals)
	if err != nil {
		return nil, false, err
	}
	if !cur.exists {
		return nil, false, nil
	}
	rec := &policy.Record{Metadata: cur.meta}
	if fetchBody {
		if body, ok := vals[3].(string); ok {
			rec.Body = []byte(body)
		}
	}
	return rec, true, nil
}

// Put writes a document. The unassigned token pair means create-only; any
// other pair must match the stored sequence number and primary term.
func (s *Store) Put(ctx context.Context, req policy.PutRequest) (*policy.PutResult, error) {
	if strings.TrimSpace(req.ID) == "" {
		return nil, fmt.Errorf("id required")
	}
	meta, err := readIndexMeta(ctx, s.client, s.index)
	if err != nil {
		return nil, err
	}
	if !meta.exists() {
		return nil, fmt.Errorf("[%s] %w", s.index, ErrIndexMissing)
	}
	if err := s.checkMapping(ctx, meta.schemaID, req.Body); err != nil {
		return nil, err
	}

	dKey := docKey(s.index, req.ID)
	sKey := seqKey(s.index)
	var out *policy.PutResult
	for attempt := 0; attempt < maxTxAttempts && out == nil; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			vals, err := tx.HMGet(ctx, dKey, fieldVersion, fieldSeqNo, fieldPrimaryTerm).Result()
			if err != nil {
				return err
			}
			cur, err := parseDocState(req.ID, vals)
			if err != nil {
				return err
			}
			if err := checkPrecondition(req, cur); err != nil {
				return err
			}
			lastSeq, err := tx.Get(ctx, sKey).Int64()
			if errors.Is(err, redis.Nil) {
				lastSeq = -1
			} else if err != nil {
				return err
			}
			next := policy.RecordMetadata{
				ID:          req.ID,
				Version:     cur.meta.Version + 1,
				SeqNo:       lastSeq + 1,
				PrimaryTerm: meta.primaryTerm,
			}
			if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, sKey, next.SeqNo, 0)
				pipe.HSet(ctx, dKey, map[string]any{
					fieldBody:        string(req.Body),
					fieldVersion:     next.Version,
					fieldSeqNo:       next.SeqNo,
					fieldPrimaryTerm: next.PrimaryTerm,
				})
				return nil
			}); err != nil {
				return err
			}
			// WAIT only counts acks for writes issued on its own connection.
			out = &policy.PutResult{
				Metadata: next,
				Created:  !cur.exists,
				Shards:   s.awaitReplicas(ctx, tx),
			}
			return nil
		}, dKey, sKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	if out == nil {
		return nil, fmt.Errorf("[%s]: write contention, gave up after %d attempts", req.ID, maxTxAttempts)
	}

	out.Status = http.StatusOK
	if out.Created {
		out.Status = http.StatusCreated
	}
	out.Raw = s.response(out)
	return out, nil
}

func (s *Store) checkMapping(ctx context.Context, schemaID string, body []byte) error {
	if s.validator == nil || schemaID == "" {
		return nil
	}
	err := s.validator.ValidateID(ctx, schemaID, json.RawMessage(body))
	if err == nil {
		return nil
	}
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		return fmt.Errorf("%w: %v", ErrMapping, verr)
	}
	return fmt.Errorf("mapping check: %w", err)
}

type replicaWaiter interface {
	Wait(ctx context.Context, numSlaves int, timeout time.Duration) *redis.IntCmd
}

// awaitReplicas reports how many copies acknowledged the write just executed
// on conn. The primary counts as one copy once EXEC returned. Visibility
// (refresh) does not change the accounting.
func (s *Store) awaitReplicas(ctx context.Context, conn replicaWaiter) policy.Shards {
	shards := policy.Shards{Total: 1, Successful: 1}
	if s.waitReplicas == 0 {
		return shards
	}
	shards.Total += s.waitReplicas
	acked, err := conn.Wait(ctx, s.waitReplicas, s.waitTimeout).Result()
	if err != nil {
		logging.Error("docstore", "replica wait failed", "index", s.index, "error", err)
		acked = 0
	}
	if acked < 0 {
		acked = 0
	}
	if int(acked) > s.waitReplicas {
		acked = int64(s.waitReplicas)
	}
	shards.Successful += int(acked)
	shards.Failed = shards.Total - shards.Successful
	return shards
}

func (s *Store) response(res *policy.PutResult) json.RawMessage {
	result := "updated"
	if res.Created {
		result = "created"
	}
	raw, _ := json.Marshal(map[string]any{
		"_index":        s.index,
		"_id":           res.Metadata.ID,
		"_version":      res.Metadata.Version,
		"result":        result,
		"_shards":       res.Shards,
		"_seq_no":       res.Metadata.SeqNo,
		"_primary_term": res.Metadata.PrimaryTerm,
	})
	return raw
}

type docState struct {
	exists bool
	meta   policy.RecordMetadata
}

func parseDocState(id string, vals []any) (docState, error) {
	if len(vals) < 3 || vals[0] == nil {
		return docState{meta: policy.RecordMetadata{ID: id}}, nil
	}
	version, err := parseInt(vals[0])
	if err != nil {
		return docState{}, fmt.Errorf("parse version of %s: %w", id, err)
	}
	seqNo, err := parseInt(vals[1])
	if err != nil {
		return docState{}, fmt.Errorf("parse seq_no of %s: %w", id, err)
	}
	term, err := parseInt(vals[2])
	if err != nil {
		return docState{}, fmt.Errorf("parse primary_term of %s: %w", id, err)
	}
	return docState{
		exists: true,
		meta:   policy.RecordMetadata{ID: id, Version: version, SeqNo: seqNo, PrimaryTerm: term},
	}, nil
}

func checkPrecondition(req policy.PutRequest, cur docState) error {
	if req.CreateOnly() {
		if cur.exists {
			return fmt.Errorf("[%s]: version conflict, document already exists (current version [%d]): %w",
				req.ID, cur.meta.Version, ErrVersionConflict)
		}
		return nil
	}
	if !cur.exists {
		return fmt.Errorf("[%s]: version conflict, required seqNo [%d], primary term [%d] but no document was found: %w",
			req.ID, req.IfSeqNo, req.IfPrimaryTerm, ErrVersionConflict)
	}
	if cur.meta.SeqNo != req.IfSeqNo || cur.meta.PrimaryTerm != req.IfPrimaryTerm {
		return fmt.Errorf("[%s]: version conflict, required seqNo [%d], primary term [%d]. current document has seqNo [%d] and primary term [%d]: %w",
			req.ID, req.IfSeqNo, req.IfPrimaryTerm, cur.meta.SeqNo, cur.meta.PrimaryTerm, ErrVersionConflict)
	}
	return nil
}

func parseInt(v any) (int64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseInt(t, 10, 64)
	case int64:
		return t, nil
	case nil:
		return 0, fmt.Errorf("missing value")
	default:
		return strconv.ParseInt(fmt.Sprintf("%v", t), 10, 64)
	}
}

// Keys share the {index} hash tag so WATCH/MULTI work on Redis Cluster.
func docKey(index, id string) string {
	return fmt.Sprintf("%s:{%s}:doc:%s", keyPrefix, index, id)
}

func seqKey(index string) string {
	return fmt.Sprintf("%s:{%s}:seq", keyPrefix, index)
}

func metaKey(index string) string {
	return fmt.Sprintf("%s:{%s}:meta", keyPrefix, index)
}
