package configsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cordum/policyhub/core/infra/bus"
	"github.com/cordum/policyhub/core/infra/logging"
	"github.com/cordum/policyhub/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

const (
	maxSetAttempts   = 8
	reloadRetryDelay = 500 * time.Millisecond
)

// ErrNotFound is returned when no settings document exists under a name.
var ErrNotFound = errors.New("settings not found")

// Document is a named, revisioned settings document.
type Document struct {
	Name     string         `json:"name"`
	Data     map[string]any `json:"data"`
	Revision int64          `json:"revision"`
	Updated  time.Time      `json:"updated_at"`
	Hash     string         `json:"hash"`
}

// Change announces a new settings revision to every instance.
type Change struct {
	Name     string `json:"name"`
	Revision int64  `json:"revision"`
	Hash     string `json:"hash"`
}

// Notifier fans out change notifications.
type Notifier interface {
	Publish(subject string, v any) error
	Subscribe(subject string, handler bus.Handler) error
}

// ApplyFunc installs a settings document in the running process.
type ApplyFunc func(doc *Document) error

// Service persists settings documents in Redis and propagates changes.
type Service struct {
	client   redis.UniversalClient
	notifier Notifier
	subject  string

	mu      sync.Mutex
	applied map[string]int64
}

// New creates a settings service backed by Redis.
func New(url string, notifier Notifier, subject string) (*Service, error) {
	if url == "" {
		url = "redis://localhost:6379"
	}
	client, err := redisutil.Connect(url)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, notifier, subject), nil
}

// NewWithClient shares an existing Redis client. A nil notifier keeps changes local.
func NewWithClient(client redis.UniversalClient, notifier Notifier, subject string) *Service {
	if subject == "" {
		subject = bus.SubjectSettingsChanged
	}
	return &Service{
		client:   client,
		notifier: notifier,
		subject:  subject,
		applied:  map[string]int64{},
	}
}

func (s *Service) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Set stores data as the next revision of name and announces it. A failed
// announcement is logged; the document stays persisted and is picked up on
// the next change or restart.
func (s *Service) Set(ctx context.Context, name string, data map[string]any) (*Document, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("settings name required")
	}
	hash, err := settingsHash(data)
	if err != nil {
		return nil, fmt.Errorf("hash settings: %w", err)
	}
	key := settingsKey(name)
	var doc *Document
	for attempt := 0; attempt < maxSetAttempts && doc == nil; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := readDocument(ctx, tx, key)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			next := &Document{
				Name:     name,
				Data:     data,
				Revision: 1,
				Updated:  time.Now().UTC(),
				Hash:     hash,
			}
			if current != nil {
				next.Revision = current.Revision + 1
			}
			payload, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("marshal settings: %w", err)
			}
			if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				return nil
			}); err != nil {
				return err
			}
			doc = next
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	if doc == nil {
		return nil, fmt.Errorf("settings %s: write contention", name)
	}
	if s.notifier != nil {
		change := Change{Name: doc.Name, Revision: doc.Revision, Hash: doc.Hash}
		if err := s.notifier.Publish(s.subject, change); err != nil {
			logging.Error("configsvc", "publish settings change failed", "name", name, "revision", doc.Revision, "error", err)
		}
	}
	logging.Info("configsvc", "settings stored", "name", name, "revision", doc.Revision, "hash", doc.Hash)
	return doc, nil
}

// Get fetches the current document for name.
func (s *Service) Get(ctx context.Context, name string) (*Document, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("settings name required")
	}
	return readDocument(ctx, s.client, settingsKey(name))
}

// Sync applies the stored document for name, if any. It reports whether a
// document was applied.
func (s *Service) Sync(ctx context.Context, name string, apply ApplyFunc) (bool, error) {
	doc, err := s.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.Apply(doc, apply)
}

// Watch applies every announced revision of name newer than the last one
// applied. Failed reloads are retried by the bus.
func (s *Service) Watch(ctx context.Context, name string, apply ApplyFunc) error {
	if s.notifier == nil {
		return fmt.Errorf("settings watch requires a notifier")
	}
	if apply == nil {
		return fmt.Errorf("apply callback required")
	}
	return s.notifier.Subscribe(s.subject, func(data []byte) error {
		var change Change
		if err := json.Unmarshal(data, &change); err != nil {
			return fmt.Errorf("decode settings change: %w", err)
		}
		if change.Name != name || change.Revision <= s.appliedRevision(name) {
			return nil
		}
		doc, err := s.Get(ctx, name)
		if err != nil {
			return bus.RetryAfter(fmt.Errorf("reload settings %s: %w", name, err), reloadRetryDelay)
		}
		_, err = s.Apply(doc, apply)
		return err
	})
}

// Apply installs doc unless a same or newer revision was already applied.
func (s *Service) Apply(doc *Document, apply ApplyFunc) (bool, error) {
	if doc == nil {
		return false, fmt.Errorf("nil settings document")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.Revision <= s.applied[doc.Name] {
		return false, nil
	}
	if err := apply(doc); err != nil {
		return false, fmt.Errorf("apply settings %s rev %d: %w", doc.Name, doc.Revision, err)
	}
	s.applied[doc.Name] = doc.Revision
	logging.Info("configsvc", "settings applied", "name", doc.Name, "revision", doc.Revision)
	return true, nil
}

func (s *Service) appliedRevision(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied[name]
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readDocument(ctx context.Context, client stringGetter, key string) (*Document, error) {
	data, err := client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	return &doc, nil
}

func settingsKey(name string) string {
	return "policyhub:settings:" + name
}
