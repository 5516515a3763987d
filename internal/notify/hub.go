package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/metrics"
)

// Event types pushed to user sockets.
const (
	EventMembershipAdded   = "project-membership-added"
	EventMembershipUpdated = "project-membership-updated"
	EventMembershipRemoved = "project-membership-removed"
	EventProjectUpdated    = "project-updated"
	EventProjectDeleted    = "project-deleted"

	defaultBufferSize = 16
)

// Event is one notification. Consumers treat events as invalidation hints;
// delivering one twice or not at all is harmless.
type Event struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId,omitempty"`
	ActorID   string `json:"actorId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Config wires a Hub.
type Config struct {
	BufferSize int
	Relay      *Relay
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Hub tracks the live notification streams of every connected user and
// pushes events to them. With a Relay, events published by any process
// reach streams held by every process.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int

	relay  *Relay
	clock  func() time.Time
	logger *zap.Logger
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewHub builds a Hub.
func NewHub(cfg Config) *Hub {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  bufferSize,
		relay:       cfg.Relay,
		clock:       clock,
		logger:      logger,
	}
}

// Subscribe opens a stream of userID's events. The stream is released when
// ctx ends or the returned cancel func is called.
func (h *Hub) Subscribe(ctx context.Context, userID string) (<-chan Event, func()) {
	if userID == "" {
		stream := make(chan Event)
		close(stream)
		return stream, func() {}
	}
	sub := &subscriber{
		id:     h.nextSequence(),
		stream: make(chan Event, h.bufferSize),
	}
	h.register(userID, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { h.unregister(userID, sub.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Connected reports how many streams userID holds in this process.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[userID])
}

// NotifyUser pushes event to every stream userID holds. Users with no open
// stream miss the event.
func (h *Hub) NotifyUser(ctx context.Context, userID string, event Event) {
	if userID == "" || event.Type == "" {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = h.clock().UTC().UnixMilli()
	}
	if h.relay != nil {
		err := h.relay.publish(ctx, envelope{UserID: userID, Event: event})
		if err == nil {
			metrics.Notifications.WithLabelValues(metrics.ResultRelayed).Inc()
			return
		}
		h.logger.Warn("notification relay publish failed", zap.String("user_id", userID), zap.String("event", event.Type), zap.Error(err))
	}
	h.deliver(userID, event)
}

// NotifyUsers pushes event to each user except excludeUserID.
func (h *Hub) NotifyUsers(ctx context.Context, userIDs []string, event Event, excludeUserID string) {
	seen := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if userID == excludeUserID {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		h.NotifyUser(ctx, userID, event)
	}
}

func (h *Hub) deliver(userID string, event Event) {
	h.mu.RLock()
	subscribers := h.subscribers[userID]
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	h.mu.RUnlock()
	if len(copies) == 0 {
		metrics.Notifications.WithLabelValues(metrics.ResultDropped).Inc()
		return
	}
	for _, sub := range copies {
		select {
		case sub.stream <- event:
			metrics.Notifications.WithLabelValues(metrics.ResultDelivered).Inc()
		default:
			metrics.Notifications.WithLabelValues(metrics.ResultDropped).Inc()
		}
	}
}

// StartRelay subscribes to the relay channel and delivers relayed events to
// local streams until ctx ends. It returns once the subscription is live.
func (h *Hub) StartRelay(ctx context.Context) error {
	if h.relay == nil {
		return nil
	}
	pubsub, err := h.relay.subscribe(ctx)
	if err != nil {
		return err
	}
	go func() {
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-messages:
				if !ok {
					return
				}
				var relayed envelope
				if err := json.Unmarshal([]byte(message.Payload), &relayed); err != nil {
					h.logger.Warn("notification relay payload invalid", zap.Error(err))
					continue
				}
				h.deliver(relayed.UserID, relayed.Event)
			}
		}
	}()
	return nil
}

func (h *Hub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *Hub) register(userID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[userID]; !ok {
		h.subscribers[userID] = make(map[int64]*subscriber)
	}
	h.subscribers[userID][sub.id] = sub
}

func (h *Hub) unregister(userID string, subscriberID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers := h.subscribers[userID]
	if subscribers == nil {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(h.subscribers, userID)
	}
}
