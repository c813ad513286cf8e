package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const hashKey = "presence"

// Window is how long a heartbeat keeps a connection counted as online.
const Window = 8000 * time.Millisecond

// Meta identifies the user behind a connection.
type Meta struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// Entry is one live connection's presence record.
type Entry struct {
	Connection string `json:"connection"`
	Meta       Meta   `json:"meta"`
	When       int64  `json:"when"`
}

type record struct {
	Meta Meta  `json:"meta"`
	When int64 `json:"when"`
}

// Registry tracks online connections in a shared Redis hash so every
// gateway instance sees the same view. Entries expire by timestamp rather
// than TTL: a field is dead once its heartbeat is older than Window, and
// dead fields are reaped lazily on list.
type Registry struct {
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewRegistry(addr, password string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		logger: logger,
		now:    time.Now,
	}
}

// NewRegistryWithClient builds the registry around an existing client.
func NewRegistryWithClient(client *redis.Client, logger *slog.Logger) *Registry {
	r := NewRegistry("", "", logger)
	r.client = client
	return r
}

// Upsert records a heartbeat for the connection. Called on identify and on
// every liveness probe answer.
func (r *Registry) Upsert(ctx context.Context, connectionID string, meta Meta) error {
	payload, err := json.Marshal(record{Meta: meta, When: r.now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("presence: marshal: %w", err)
	}
	if err := r.client.HSet(ctx, hashKey, connectionID, payload).Err(); err != nil {
		return fmt.Errorf("presence: upsert %s: %w", connectionID, err)
	}
	return nil
}

// Remove drops the connection's presence record immediately.
func (r *Registry) Remove(ctx context.Context, connectionID string) error {
	if err := r.client.HDel(ctx, hashKey, connectionID).Err(); err != nil {
		return fmt.Errorf("presence: remove %s: %w", connectionID, err)
	}
	return nil
}

// ListActive returns every connection heard from within the window. Expired
// entries encountered on the way are deleted.
func (r *Registry) ListActive(ctx context.Context) ([]Entry, error) {
	fields, err := r.client.HGetAll(ctx, hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: list: %w", err)
	}

	now := r.now().UnixMilli()
	active := make([]Entry, 0, len(fields))
	var dead []string
	for connection, raw := range fields {
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			r.logger.Warn("dropping malformed presence record", "connection", connection, "error", err)
			dead = append(dead, connection)
			continue
		}
		if now-rec.When > Window.Milliseconds() {
			dead = append(dead, connection)
			continue
		}
		active = append(active, Entry{Connection: connection, Meta: rec.Meta, When: rec.When})
	}

	if len(dead) > 0 {
		if err := r.client.HDel(ctx, hashKey, dead...).Err(); err != nil {
			r.logger.Warn("presence reap failed", "count", len(dead), "error", err)
		}
	}
	return active, nil
}

// IsOnline reports whether the user has at least one live connection. Cost
// is linear in the number of active connections.
func (r *Registry) IsOnline(ctx context.Context, userID string) (bool, error) {
	entries, err := r.ListActive(ctx)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Meta.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}
