package features

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Event types emitted on feature state transitions.
const (
	EventFeatureEnabled   = "feature:enabled"
	EventFeatureDisabled  = "feature:disabled"
	EventBulkUpdated      = "features:bulk-updated"
	EventRefreshed        = "features:refreshed"
	EventCacheInvalidated = "cache:invalidated"

	// EventChannel is the Redis channel events are fanned out on so other
	// instances can observe transitions.
	EventChannel = "features.events"
)

// Event describes a single feature state transition.
type Event struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	TenantID    string    `json:"tenant_id"`
	FeatureKey  string    `json:"feature_key,omitempty"`
	FeatureKeys []string  `json:"feature_keys,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// Emitter fans events out to in-process subscribers and, when a Redis client
// is configured, publishes them for other instances. Slow subscribers have
// events dropped rather than blocking the emitter.
type Emitter struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	client *redis.Client
	logger *slog.Logger
}

// NewEmitter constructs an Emitter. The Redis client is optional.
func NewEmitter(client *redis.Client, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		subs:   make(map[int]chan Event),
		client: client,
		logger: logger,
	}
}

// Subscribe registers a listener. The returned cancel func must be called to
// release the subscription.
func (e *Emitter) Subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	ch := make(chan Event, 16)
	e.subs[id] = ch
	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
}

// Emit assigns the event an id and timestamp when missing and delivers it.
func (e *Emitter) Emit(ctx context.Context, event Event) {
	if e == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	e.mu.RLock()
	for _, sub := range e.subs {
		select {
		case sub <- event:
		default:
			e.logger.Warn("feature event dropped for slow subscriber",
				slog.String("type", event.Type), slog.String("tenant", event.TenantID))
		}
	}
	e.mu.RUnlock()

	if e.client != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			e.logger.Error("marshal feature event", slog.Any("error", err))
			return
		}
		if err := e.client.Publish(ctx, EventChannel, payload).Err(); err != nil {
			e.logger.Warn("publish feature event", slog.Any("error", err))
		}
	}
}
