package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cordum/policyhub/core/infra/logging"
	"github.com/cordum/policyhub/core/policy"
	"github.com/redis/go-redis/v9"
)

const (
	metaPrimaryTerm   = "primary_term"
	metaSchemaID      = "schema_id"
	metaSchemaVersion = "schema_version"
	metaSchemaHash    = "schema_hash"
	metaCreatedAt     = "created_at"

	initialPrimaryTerm = 1
	maxEnsureAttempts  = 4
)

// SchemaRegistry registers mapping schemas by id.
type SchemaRegistry interface {
	Ensure(ctx context.Context, id string, schema []byte) (bool, error)
}

// IndexManager makes sure an index exists with the expected mapping before
// documents are written into it.
type IndexManager struct {
	client        redis.UniversalClient
	registry      SchemaRegistry
	index         string
	schemaID      string
	schema        []byte
	schemaHash    string
	schemaVersion int64
	now           func() time.Time
}

// MappingSpec describes the mapping an index must carry.
type MappingSpec struct {
	ID      string
	Schema  []byte
	Version int64
}

// NewIndexManager binds an index name to the mapping it must carry.
func NewIndexManager(client redis.UniversalClient, registry SchemaRegistry, index string, mapping MappingSpec) *IndexManager {
	index = strings.TrimSpace(index)
	if index == "" {
		index = defaultIndex
	}
	sum := sha256.Sum256(mapping.Schema)
	return &IndexManager{
		client:        client,
		registry:      registry,
		index:         index,
		schemaID:      mapping.ID,
		schema:        mapping.Schema,
		schemaHash:    hex.EncodeToString(sum[:]),
		schemaVersion: mapping.Version,
		now:           time.Now,
	}
}

// Ensure creates the index or upgrades its mapping. It is idempotent and safe
// to call concurrently. An index already on a newer mapping is left alone and
// reported as not acknowledged.
func (m *IndexManager) Ensure(ctx context.Context) (policy.Ack, error) {
	if m == nil || m.client == nil {
		return policy.Ack{}, fmt.Errorf("index manager not configured")
	}
	current, err := readIndexMeta(ctx, m.client, m.index)
	if err != nil {
		return policy.Ack{}, err
	}
	if current.exists() && current.schemaHash == m.schemaHash {
		return policy.Ack{Acknowledged: true}, nil
	}
	if current.schemaVersion > m.schemaVersion {
		return m.newerMapping(current), nil
	}
	if m.registry != nil {
		if _, err := m.registry.Ensure(ctx, m.schemaID, m.schema); err != nil {
			return policy.Ack{}, fmt.Errorf("register mapping %s: %w", m.schemaID, err)
		}
	}

	key := metaKey(m.index)
	var ack *policy.Ack
	for attempt := 0; attempt < maxEnsureAttempts && ack == nil; attempt++ {
		err := m.client.Watch(ctx, func(tx *redis.Tx) error {
			latest, err := readIndexMeta(ctx, tx, m.index)
			if err != nil {
				return err
			}
			if latest.schemaVersion > m.schemaVersion {
				res := m.newerMapping(latest)
				ack = &res
				return nil
			}
			if latest.exists() && latest.schemaHash == m.schemaHash {
				ack = &policy.Ack{Acknowledged: true}
				return nil
			}
			if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSetNX(ctx, key, metaPrimaryTerm, initialPrimaryTerm)
				pipe.HSetNX(ctx, key, metaCreatedAt, m.now().UTC().Format(time.RFC3339Nano))
				pipe.HSet(ctx, key, map[string]any{
					metaSchemaID:      m.schemaID,
					metaSchemaVersion: m.schemaVersion,
					metaSchemaHash:    m.schemaHash,
				})
				return nil
			}); err != nil {
				return err
			}
			ack = &policy.Ack{Acknowledged: true}
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return policy.Ack{}, err
		}
	}
	if ack == nil {
		return policy.Ack{}, fmt.Errorf("[%s]: index metadata contention", m.index)
	}
	if ack.Acknowledged {
		logging.Info("docstore", "index mapping ensured",
			"index", m.index,
			"schema_id", m.schemaID,
			"schema_version", m.schemaVersion,
			"created", !current.exists(),
		)
	}
	return *ack, nil
}

func (m *IndexManager) newerMapping(meta indexMeta) policy.Ack {
	diag, _ := json.Marshal(map[string]any{
		"index":                    m.index,
		"reason":                   "index mapping is newer than this server supports",
		"stored_schema_version":    meta.schemaVersion,
		"supported_schema_version": m.schemaVersion,
	})
	logging.Error("docstore", "index mapping is newer than supported",
		"index", m.index,
		"stored", meta.schemaVersion,
		"supported", m.schemaVersion,
	)
	return policy.Ack{Acknowledged: false, Diagnostic: diag}
}

type indexMeta struct {
	primaryTerm   int64
	schemaID      string
	schemaVersion int64
	schemaHash    string
}

func (m indexMeta) exists() bool {
	return m.primaryTerm > 0
}

type hashReader interface {
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
}

func readIndexMeta(ctx context.Context, client hashReader, index string) (indexMeta, error) {
	vals, err := client.HMGet(ctx, metaKey(index), metaPrimaryTerm, metaSchemaID, metaSchemaVersion, metaSchemaHash).Result()
	if err != nil {
		return indexMeta{}, err
	}
	var out indexMeta
	if vals[0] != nil {
		if out.primaryTerm, err = parseInt(vals[0]); err != nil {
			return indexMeta{}, fmt.Errorf("parse primary_term of index %s: %w", index, err)
		}
	}
	if s, ok := vals[1].(string); ok {
		out.schemaID = s
	}
	if vals[2] != nil {
		if out.schemaVersion, err = parseInt(vals[2]); err != nil {
			return indexMeta{}, fmt.Errorf("parse schema_version of index %s: %w", index, err)
		}
	}
	if s, ok := vals[3].(string); ok {
		out.schemaHash = s
	}
	return out, nil
}
