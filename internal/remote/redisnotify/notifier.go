// Package redisnotify fans out message-inserted events across processes
// over Redis pub/sub.
package redisnotify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/kimhsiao/medcord/backend/internal/errors"
	"github.com/kimhsiao/medcord/backend/internal/logging"
	"github.com/kimhsiao/medcord/backend/internal/models"
)

// DefaultPrefix is the channel prefix used when none is configured.
const DefaultPrefix = "medcord:"

// Notifier publishes inserted messages on "<prefix>case:<caseID>".
type Notifier struct {
	client *redis.Client
	prefix string
	owned  bool

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	wg     sync.WaitGroup
	closed bool
}

// New wraps client. The caller keeps ownership of the client.
func New(client *redis.Client, prefix string) *Notifier {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Notifier{client: client, prefix: prefix, subs: make(map[*redis.PubSub]struct{})}
}

// Dial connects to Redis and checks the connection. Close closes the client.
func Dial(ctx context.Context, opts *redis.Options, prefix string) (*Notifier, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, apperrors.Wrap(apperrors.ErrOffline, "redis unreachable", err)
	}
	n := New(client, prefix)
	n.owned = true
	return n, nil
}

// Channel returns the pub/sub channel of caseID.
func (n *Notifier) Channel(caseID string) string {
	return n.prefix + "case:" + caseID
}

// Publish sends msg to every subscriber of caseID.
func (n *Notifier) Publish(ctx context.Context, caseID string, msg *models.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := n.client.Publish(ctx, n.Channel(caseID), payload).Err(); err != nil {
		return apperrors.SyncError("failed to publish message", err)
	}
	return nil
}

// Subscribe calls fn for every message published on caseID until the
// returned function is called. The subscription is confirmed before
// Subscribe returns.
func (n *Notifier) Subscribe(ctx context.Context, caseID string, fn func(*models.Message)) (func(), error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrNotInitialized, "notifier closed")
	}
	n.mu.Unlock()

	pubsub := n.client.Subscribe(ctx, n.Channel(caseID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, apperrors.SyncError("failed to subscribe", err)
	}

	n.mu.Lock()
	n.subs[pubsub] = struct{}{}
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for m := range pubsub.Channel() {
			var msg models.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				logging.Warn("Dropping undecodable message event", map[string]interface{}{
					"component": "redisnotify",
					"channel":   m.Channel,
					"error":     err.Error(),
				})
				continue
			}
			deliver(fn, &msg)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, pubsub)
			n.mu.Unlock()
			pubsub.Close()
		})
	}, nil
}

// Close ends every subscription and, for dialed notifiers, the client.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	subs := n.subs
	n.subs = make(map[*redis.PubSub]struct{})
	n.mu.Unlock()

	for ps := range subs {
		ps.Close()
	}
	n.wg.Wait()

	if n.owned {
		return n.client.Close()
	}
	return nil
}

func deliver(fn func(*models.Message), msg *models.Message) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("Message subscriber panicked", map[string]interface{}{
				"component": "redisnotify",
				"case_id":   msg.CaseID,
				"panic":     fmt.Sprint(r),
			})
		}
	}()
	fn(msg)
}
