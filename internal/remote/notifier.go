// Package remote provides RemoteStore implementations and the live-update
// notification path for inserted case messages.
package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/kimhsiao/medcord/backend/internal/logging"
	"github.com/kimhsiao/medcord/backend/internal/models"
)

// Notifier fans out message-inserted events per case.
type Notifier interface {
	Publish(ctx context.Context, caseID string, msg *models.Message) error
	Subscribe(ctx context.Context, caseID string, fn func(*models.Message)) (func(), error)
	Close() error
}

// LocalNotifier delivers events in-process, synchronously, in publish order.
type LocalNotifier struct {
	mu     sync.RWMutex
	subs   map[string]map[int]func(*models.Message)
	nextID int
}

// NewLocalNotifier creates an empty LocalNotifier.
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[string]map[int]func(*models.Message))}
}

func (n *LocalNotifier) Publish(ctx context.Context, caseID string, msg *models.Message) error {
	n.mu.RLock()
	fns := make([]func(*models.Message), 0, len(n.subs[caseID]))
	for _, fn := range n.subs[caseID] {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()

	for _, fn := range fns {
		deliver(fn, msg.Clone())
	}
	return nil
}

func (n *LocalNotifier) Subscribe(ctx context.Context, caseID string, fn func(*models.Message)) (func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	if n.subs[caseID] == nil {
		n.subs[caseID] = make(map[int]func(*models.Message))
	}
	n.subs[caseID][id] = fn

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs[caseID], id)
		if len(n.subs[caseID]) == 0 {
			delete(n.subs, caseID)
		}
	}, nil
}

// Subscribers returns the number of subscriptions for caseID.
func (n *LocalNotifier) Subscribers(caseID string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs[caseID])
}

func (n *LocalNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = make(map[string]map[int]func(*models.Message))
	return nil
}

// deliver calls fn, recovering from panics in subscriber code.
func deliver(fn func(*models.Message), msg *models.Message) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("Message subscriber panicked", map[string]interface{}{
				"component": "remote",
				"case_id":   msg.CaseID,
				"panic":     fmt.Sprint(r),
			})
		}
	}()
	fn(msg)
}
