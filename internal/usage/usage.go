// Package usage implements the usage recorder spec.md §6 names: a
// fire-and-forget record(connector_id, model, provider, node_id?,
// tokens_in, tokens_out, latency_ms, status, error?) call that must never
// block the reply on the caller's critical path beyond a short bounded wait.
package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/go-redis/redis/v8"
)

// Event is one usage record.
type Event struct {
	ConnectorID string `json:"connector_id"`
	Model       string `json:"model"`
	Provider    string `json:"provider"`
	NodeID      string `json:"node_id,omitempty"`
	TokensIn    int    `json:"tokens_in"`
	TokensOut   int    `json:"tokens_out"`
	LatencyMS   int64  `json:"latency_ms"`
	Status      int    `json:"status"`
	Error       string `json:"error,omitempty"`
}

// Recorder persists a usage Event. Implementations must not block the
// caller beyond a short bounded wait.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS usage_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	connector_id TEXT NOT NULL,
	model TEXT NOT NULL,
	provider TEXT NOT NULL,
	node_id TEXT,
	tokens_in INTEGER,
	tokens_out INTEGER,
	latency_ms INTEGER,
	status INTEGER,
	error TEXT,
	recorded_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_log_connector_id ON usage_log(connector_id);
CREATE INDEX IF NOT EXISTS idx_usage_log_recorded_at ON usage_log(recorded_at);
`

// SQLiteDB is the single-writer SQLite usage store, following the same
// single-connection discipline the teacher's audit log uses.
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB opens/creates the SQLite database at dbPath and ensures the
// schema exists.
func NewSQLiteDB(dbPath string) (*SQLiteDB, error) {
	if dbPath == "" {
		dbPath = "./gateway_usage.db"
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.Exec(createTableSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteDB{db: db}, nil
}

// Close releases the underlying connection.
func (s *SQLiteDB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record inserts one usage_log row.
func (s *SQLiteDB) Record(ctx context.Context, e Event) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO usage_log (connector_id, model, provider, node_id, tokens_in, tokens_out, latency_ms, status, error, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ConnectorID, e.Model, e.Provider, nullableString(e.NodeID),
		e.TokensIn, e.TokensOut, e.LatencyMS, e.Status, nullableString(e.Error),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert usage_log: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// UsageChannel is the Redis pub/sub channel cmd/notifier subscribes to,
// mirroring the teacher's dedicated notifications channel.
const UsageChannel = "gateway:usage"

// RedisPublisher fans usage events out over Redis pub/sub, following the
// same PublishNotification pattern the teacher's agent/planner.go uses for
// status updates — here, consumed by cmd/notifier instead of a UI.
type RedisPublisher struct {
	client *redis.Client
	log    *slog.Logger
}

// NewRedisPublisher wraps an already-connected redis client. client may be
// nil, in which case Record is a no-op — publishing is an enrichment, not a
// correctness requirement.
func NewRedisPublisher(client *redis.Client, log *slog.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, log: log}
}

// Record publishes e as JSON to the usage channel, best-effort.
func (p *RedisPublisher) Record(ctx context.Context, e Event) error {
	if p == nil || p.client == nil {
		return nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}
	if err := p.client.Publish(ctx, UsageChannel, string(b)).Err(); err != nil {
		if p.log != nil {
			p.log.Warn("failed to publish usage event", "error", err)
		}
		return nil
	}
	return nil
}

// Composite fans a single Record call out to every configured Recorder,
// logging (not failing) on any individual recorder's error so one backend's
// outage never blocks the response path.
type Composite struct {
	recorders []Recorder
	log       *slog.Logger
}

// NewComposite builds a Composite over the given recorders, skipping any nil
// entries.
func NewComposite(log *slog.Logger, recorders ...Recorder) *Composite {
	var filtered []Recorder
	for _, r := range recorders {
		if r != nil {
			filtered = append(filtered, r)
		}
	}
	return &Composite{recorders: filtered, log: log}
}

// Record fans out to every recorder. It returns promptly: each recorder is
// expected to perform its own short bounded wait internally.
func (c *Composite) Record(ctx context.Context, e Event) error {
	for _, r := range c.recorders {
		if err := r.Record(ctx, e); err != nil && c.log != nil {
			c.log.Warn("usage recorder failed", "error", err)
		}
	}
	return nil
}
