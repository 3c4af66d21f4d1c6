package policyapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cordum/policyhub/core/configsvc"
	"github.com/cordum/policyhub/core/infra/config"
	"github.com/cordum/policyhub/core/infra/logging"
	"github.com/cordum/policyhub/core/policy"
)

const maxSettingsBodyBytes = 64 << 10

func (s *server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPolicyBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, badRequest("failed to read request body", err))
		return
	}
	q := r.URL.Query()
	seqNo, primaryTerm, err := parseConcurrencyTokens(q.Get("if_seq_no"), q.Get("if_primary_term"))
	if err != nil {
		writeError(w, badRequest(err.Error(), err))
		return
	}
	refresh, err := policy.ParseRefresh(q.Get("refresh"))
	if err != nil {
		writeError(w, badRequest(err.Error(), err))
		return
	}

	res, err := s.writer.Write(r.Context(), policy.WriteRequest{
		ID:          r.PathValue("policyID"),
		Body:        body,
		SeqNo:       seqNo,
		PrimaryTerm: primaryTerm,
		Refresh:     refresh,
		RequestID:   requestID(r.Context()),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
		w.Header().Set("Location", res.Location)
	}
	writeJSON(w, status, res.Record)
}

func (s *server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	rec, err := s.reader.Get(r.Context(), r.PathValue("policyID"), false)
	if policy.IsKind(err, policy.KindNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleHeadPolicy answers existence checks from metadata alone.
func (s *server) handleHeadPolicy(w http.ResponseWriter, r *http.Request) {
	rec, err := s.reader.Get(r.Context(), r.PathValue("policyID"), true)
	if err != nil {
		w.WriteHeader(policy.StatusOf(err))
		return
	}
	w.Header().Set("X-Policy-Version", strconv.FormatInt(rec.Version, 10))
	w.Header().Set("X-Policy-Seq-No", strconv.FormatInt(rec.SeqNo, 10))
	w.Header().Set("X-Policy-Primary-Term", strconv.FormatInt(rec.PrimaryTerm, 10))
	w.WriteHeader(http.StatusOK)
}

type allowedActionsResponse struct {
	AllowedActions []string   `json:"allowed_actions"`
	Revision       int64      `json:"revision"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

func (s *server) handleGetAllowedActions(w http.ResponseWriter, r *http.Request) {
	out := allowedActionsResponse{AllowedActions: s.allow.Current().Names()}
	if s.settings != nil {
		doc, err := s.settings.Get(r.Context(), allowedActionsSetting)
		switch {
		case err == nil:
			out.Revision = doc.Revision
			updated := doc.Updated
			out.UpdatedAt = &updated
		case errors.Is(err, configsvc.ErrNotFound):
		default:
			writeError(w, unavailable("settings store read failed", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePutAllowedActions persists a new allow-list, announces it to every
// instance and applies it here without waiting for the echo.
func (s *server) handlePutAllowedActions(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, unavailable("settings store unavailable", nil))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSettingsBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, badRequest("failed to read request body", err))
		return
	}
	var req struct {
		AllowedActions *[]string `json:"allowed_actions"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, badRequest("invalid settings body", err))
		return
	}
	if req.AllowedActions == nil {
		writeError(w, badRequest("allowed_actions is required", nil))
		return
	}
	if _, err := config.ParseSettings(body); err != nil {
		writeError(w, badRequest(err.Error(), err))
		return
	}

	doc, err := s.settings.Set(r.Context(), allowedActionsSetting, map[string]any{
		"allowed_actions": *req.AllowedActions,
	})
	if err != nil {
		writeError(w, unavailable("settings store write failed", err))
		return
	}
	if _, err := s.settings.Apply(doc, s.applyAllowedActions("api")); err != nil {
		writeError(w, unavailable("failed to apply settings", err))
		return
	}
	updated := doc.Updated
	writeJSON(w, http.StatusOK, allowedActionsResponse{
		AllowedActions: s.allow.Current().Names(),
		Revision:       doc.Revision,
		UpdatedAt:      &updated,
	})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	uptimeSeconds := int64(0)
	if !s.started.IsZero() {
		uptimeSeconds = int64(now.Sub(s.started).Seconds())
	}

	redisOK := false
	redisErr := ""
	if s.client == nil {
		redisErr = "redis client unavailable"
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		err := s.client.Ping(ctx).Err()
		cancel()
		if err != nil {
			redisErr = err.Error()
		} else {
			redisOK = true
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"time":           now.Format(time.RFC3339),
		"uptime_seconds": uptimeSeconds,
		"nats": map[string]any{
			"connected": s.bus.IsConnected(),
			"status":    s.bus.Status(),
			"url":       s.bus.ConnectedURL(),
		},
		"redis": map[string]any{
			"ok":    redisOK,
			"error": redisErr,
		},
		"allowed_actions": s.allow.Current().Len(),
	})
}

// applyAllowedActions returns the settings callback swapping the allow-list.
func (s *server) applyAllowedActions(source string) configsvc.ApplyFunc {
	return func(doc *configsvc.Document) error {
		names, err := allowedActionsFrom(doc.Data)
		if err != nil {
			return err
		}
		s.allow.Update(names)
		s.policyMetrics.IncAllowListReload(source)
		logging.Info(component, "allow-list updated", "source", source, "revision", doc.Revision, "actions", len(names))
		return nil
	}
}

// allowedActionsFrom validates stored settings data the same way as the
// static settings file.
func allowedActionsFrom(data map[string]any) ([]string, error) {
	if _, ok := data["allowed_actions"]; !ok {
		return nil, fmt.Errorf("settings missing allowed_actions")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	parsed, err := config.ParseSettings(raw)
	if err != nil {
		return nil, err
	}
	return parsed.AllowedActions, nil
}

// parseConcurrencyTokens reads if_seq_no/if_primary_term. Unless both are
// given the write is create-only.
func parseConcurrencyTokens(rawSeq, rawTerm string) (int64, int64, error) {
	rawSeq = strings.TrimSpace(rawSeq)
	rawTerm = strings.TrimSpace(rawTerm)
	if rawSeq == "" || rawTerm == "" {
		return policy.UnassignedSeqNo, policy.UnassignedPrimaryTerm, nil
	}
	seqNo, err := strconv.ParseInt(rawSeq, 10, 64)
	if err != nil || seqNo < 0 {
		return 0, 0, fmt.Errorf("invalid if_seq_no %q", rawSeq)
	}
	primaryTerm, err := strconv.ParseInt(rawTerm, 10, 64)
	if err != nil || primaryTerm < 1 {
		return 0, 0, fmt.Errorf("invalid if_primary_term %q", rawTerm)
	}
	return seqNo, primaryTerm, nil
}

type errorBody struct {
	Type       string          `json:"type"`
	Reason     string          `json:"reason"`
	Diagnostic json.RawMessage `json:"diagnostic,omitempty"`
}

type errorResponse struct {
	Error  errorBody `json:"error"`
	Status int       `json:"status"`
}

func writeError(w http.ResponseWriter, err error) {
	var pe *policy.Error
	if !errors.As(err, &pe) {
		pe = &policy.Error{Kind: policy.KindStoreUnavailable, Status: http.StatusInternalServerError, Message: err.Error()}
	}
	status := policy.StatusOf(pe)
	writeJSON(w, status, errorResponse{
		Error: errorBody{
			Type:       string(pe.Kind),
			Reason:     pe.Message,
			Diagnostic: pe.Diagnostic,
		},
		Status: status,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(msg string, err error) *policy.Error {
	return &policy.Error{Kind: policy.KindInvalidRequest, Status: http.StatusBadRequest, Message: msg, Err: err}
}

func unavailable(msg string, err error) *policy.Error {
	return &policy.Error{Kind: policy.KindStoreUnavailable, Status: http.StatusServiceUnavailable, Message: msg, Err: err}
}
