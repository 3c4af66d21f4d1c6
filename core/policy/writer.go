package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cordum/policyhub/core/infra/logging"
	"github.com/cordum/policyhub/core/infra/metrics"
)

const (
	defaultBasePath            = "/policies"
	defaultMinSuccessfulCopies = 1
)

// Stage is a state of the write pipeline.
type Stage string

const (
	StageValidating     Stage = "validating"
	StageEnsuringSchema Stage = "ensuring_schema"
	StageWriting        Stage = "writing"
	StageResponding     Stage = "responding"
	StageRejected       Stage = "rejected"
	StageFailed         Stage = "failed"
)

// WriterOptions tunes a Writer. Zero values fall back to defaults.
type WriterOptions struct {
	// BasePath prefixes the Location of created policies.
	BasePath string
	// MinSuccessfulCopies is the fewest applied copies accepted as success.
	MinSuccessfulCopies int
	Metrics             metrics.PolicyMetrics
	Now                 func() time.Time
}

// WriteRequest is an admitted-or-not policy write.
type WriteRequest struct {
	ID          string
	Body        []byte
	SeqNo       int64
	PrimaryTerm int64
	Refresh     Refresh
	RequestID   string
}

// WriteResult is a successful write. Location is set only on creation.
type WriteResult struct {
	Record   WireRecord
	Created  bool
	Location string
}

// Writer runs validation, schema ensure and the conditional write for policies.
type Writer struct {
	store     RecordStore
	ensurer   SchemaEnsurer
	allow     *AllowList
	basePath  string
	minCopies int
	metrics   metrics.PolicyMetrics
	now       func() time.Time
}

// NewWriter wires the pipeline collaborators.
func NewWriter(store RecordStore, ensurer SchemaEnsurer, allow *AllowList, opts WriterOptions) *Writer {
	w := &Writer{
		store:     store,
		ensurer:   ensurer,
		allow:     allow,
		basePath:  strings.TrimRight(strings.TrimSpace(opts.BasePath), "/"),
		minCopies: opts.MinSuccessfulCopies,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
	if w.basePath == "" {
		w.basePath = defaultBasePath
	}
	if w.minCopies <= 0 {
		w.minCopies = defaultMinSuccessfulCopies
	}
	if w.metrics == nil {
		w.metrics = metrics.Noop{}
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

// Write admits, validates and stores a policy. Failures are *Error values.
func (w *Writer) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	p, err := w.admit(req)
	if err != nil {
		return nil, w.finish(req, StageRejected, err)
	}
	if err := w.validate(p); err != nil {
		return nil, w.finish(req, StageRejected, err)
	}
	if err := w.ensureSchema(ctx); err != nil {
		return nil, w.finish(req, StageFailed, err)
	}
	res, err := w.write(ctx, req, p)
	if err != nil {
		return nil, w.finish(req, StageFailed, err)
	}
	out, err := w.respond(res, p)
	if err != nil {
		return nil, w.finish(req, StageFailed, err)
	}
	outcome := "updated"
	if out.Created {
		outcome = "created"
	}
	w.metrics.IncPolicyWrite(outcome)
	logging.Info("policy-writer", "policy written",
		"request_id", req.RequestID,
		"id", out.Record.ID,
		"version", out.Record.Version,
		"seq_no", out.Record.SeqNo,
		"primary_term", out.Record.PrimaryTerm,
		"created", out.Created,
	)
	return out, nil
}

func (w *Writer) admit(req WriteRequest) (Policy, error) {
	if err := checkID(req.ID); err != nil {
		return Policy{}, err
	}
	p, err := ParseRequest(req.ID, req.Body)
	if err != nil {
		return Policy{}, invalidRequest(err.Error(), err)
	}
	return p.WithLastUpdatedTime(w.now()), nil
}

func (w *Writer) validate(p Policy) error {
	names := Disallowed(p, w.allow.Current())
	if len(names) == 0 {
		return nil
	}
	for _, n := range names {
		w.metrics.IncDisallowedAction(n)
	}
	return rejected(names)
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	ack, err := w.ensurer.Ensure(ctx)
	if err != nil {
		diag, _ := json.Marshal(map[string]string{"error": err.Error()})
		return &Error{
			Kind:       KindSchemaEnsureFailed,
			Status:     http.StatusInternalServerError,
			Message:    "failed to ensure policy index",
			Diagnostic: diag,
			Err:        err,
		}
	}
	if !ack.Acknowledged {
		return &Error{
			Kind:       KindSchemaEnsureFailed,
			Status:     http.StatusInternalServerError,
			Message:    "policy index setup was not acknowledged",
			Diagnostic: ack.Diagnostic,
		}
	}
	return nil
}

func (w *Writer) write(ctx context.Context, req WriteRequest, p Policy) (*PutResult, error) {
	body, err := EncodeStored(p.WithSchemaVersion(CurrentSchemaVersion))
	if err != nil {
		return nil, invalidRequest("failed to encode policy", err)
	}
	refresh := req.Refresh
	if refresh == "" {
		refresh = RefreshImmediate
	}
	res, err := w.store.Put(ctx, PutRequest{
		ID:            p.ID,
		Body:          body,
		IfSeqNo:       req.SeqNo,
		IfPrimaryTerm: req.PrimaryTerm,
		Refresh:       refresh,
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrConflict):
		return nil, &Error{Kind: KindConcurrencyConflict, Status: http.StatusConflict, Message: err.Error(), Err: err}
	case errors.Is(err, ErrMapping):
		return nil, invalidRequest(err.Error(), err)
	default:
		return nil, storeUnavailable("policy store write failed", err)
	}
	if res == nil {
		return nil, storeUnavailable("policy store returned no result", nil)
	}
	if res.Shards.Successful < w.minCopies {
		// The store accepted the write, so its own status is 2xx. A failure
		// must not answer with a success code; only error statuses are echoed.
		status := res.Status
		if status < http.StatusBadRequest {
			status = http.StatusInternalServerError
		}
		return nil, &Error{
			Kind:       KindPartialWriteFailure,
			Status:     status,
			Message:    fmt.Sprintf("write applied to %d of %d copies, %d required", res.Shards.Successful, res.Shards.Total, w.minCopies),
			Diagnostic: res.Raw,
		}
	}
	return res, nil
}

func (w *Writer) respond(res *PutResult, p Policy) (*WriteResult, error) {
	body, err := EncodeStored(p.WithSchemaVersion(CurrentSchemaVersion))
	if err != nil {
		return nil, storeUnavailable("failed to encode policy", err)
	}
	rec, err := ToWire(res.Metadata, body)
	if err != nil {
		return nil, storeUnavailable("failed to render policy", err)
	}
	out := &WriteResult{Record: rec, Created: res.Created}
	if res.Created {
		out.Location = w.basePath + "/" + url.PathEscape(rec.ID)
	}
	return out, nil
}

func (w *Writer) finish(req WriteRequest, stage Stage, err error) error {
	w.metrics.IncPolicyWrite(string(KindOf(err)))
	logging.Error("policy-writer", "policy write "+string(stage),
		"request_id", req.RequestID,
		"id", req.ID,
		"kind", KindOf(err),
		"status", StatusOf(err),
		"error", err,
	)
	return err
}
