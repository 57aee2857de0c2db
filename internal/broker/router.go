package broker

import (
	"context"
	"log/slog"
	"sync"
)

// Router dispatches deliveries to destination-specific handlers. Use this
// when one consumer subscribes to several destinations.
type Router struct {
	mu       sync.RWMutex
	handlers map[Destination]Handler
	fallback Handler
	logger   *slog.Logger
}

// NewRouter creates a router with an optional fallback handler.
func NewRouter(logger *slog.Logger, fallback Handler) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Router{
		handlers: make(map[Destination]Handler),
		fallback: fallback,
		logger:   logger,
	}
}

// Register adds a handler for a destination.
func (r *Router) Register(dest Destination, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[dest] = handler
}

// Handle routes the message to the matching handler.
func (r *Router) Handle(ctx context.Context, msg *Message) error {
	r.mu.RLock()
	handler, ok := r.handlers[msg.Destination]
	r.mu.RUnlock()
	if !ok {
		if r.fallback != nil {
			return r.fallback.Handle(ctx, msg)
		}
		r.logger.WarnContext(ctx, "no handler for destination, skipping message",
			"destination", msg.Destination,
			"message_id", msg.MessageID,
		)
		return nil // Acknowledge to avoid redelivery
	}
	return handler.Handle(ctx, msg)
}
