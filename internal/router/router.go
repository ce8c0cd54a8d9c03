// Package router maps inbound frame destinations to handlers. The registry
// outlives individual connections: the transport replays every registered
// destination after each successful handshake.
package router

import (
	"sort"
	"sync"

	"github.com/5-re-5/smore-front-sub000/internal/timeline"
	"go.uber.org/zap"
)

// Destination paths for the room pub/sub broker.
const (
	subGroup  = "/sub/message"
	subInbox  = "/sub/user/"
	subSystem = "/sub/system"
	pubGroup  = "/pub/message"
	pubInbox  = "/pub/user/"
	pubSystem = "/pub/system"
)

// Group returns the broadcast topic destination.
func Group() string { return subGroup }

// Inbox returns the per-identity inbox destination for selfID.
func Inbox(selfID string) string { return subInbox + selfID }

// System returns the system channel destination.
func System() string { return subSystem }

// PubGroup returns the publish destination for group messages.
func PubGroup() string { return pubGroup }

// PubInbox returns the publish destination for a private message.
func PubInbox(receiverID string) string { return pubInbox + receiverID }

// PubSystem returns the publish destination for system messages.
func PubSystem() string { return pubSystem }

// Handler consumes a decoded message delivered to a destination.
type Handler func(msg timeline.Message)

// Registry is the destination-to-handler table.
type Registry struct {
	mu     sync.RWMutex
	subs   map[string]Handler
	logger *zap.Logger
}

// NewRegistry creates an empty registry. logger may be nil.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{subs: make(map[string]Handler), logger: logger}
}

// Subscribe registers a handler for dest. Re-subscribing an active
// destination is a no-op; the first handler stays. Returns whether the
// registration was new.
func (r *Registry) Subscribe(dest string, h Handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[dest]; ok {
		return false
	}
	r.subs[dest] = h
	return true
}

// Destinations returns a sorted snapshot of registered destinations, used
// to replay subscriptions after a (re)connect.
func (r *Registry) Destinations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.subs))
	for dest := range r.subs {
		out = append(out, dest)
	}
	sort.Strings(out)
	return out
}

// Dispatch routes a message to the handler registered for dest. A frame for
// an unregistered destination is dropped and logged, never an error.
func (r *Registry) Dispatch(dest string, msg timeline.Message) bool {
	r.mu.RLock()
	h, ok := r.subs[dest]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("dropping frame for unregistered destination",
			zap.String("destination", dest))
		return false
	}
	h(msg)
	return true
}
