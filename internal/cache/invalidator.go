package cache

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/tenantgate/internal/logging"
)

// InvalidationChannel carries the owner emails whose tenant state changed.
const InvalidationChannel = "tenantgate:tenant:invalidate"

// Invalidator fans tenant invalidations out to every instance over Redis
// Pub/Sub. Each instance registers a handler that drops its local state for
// the published key.
type Invalidator struct {
	client *redis.Client

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewInvalidator creates an invalidator on an existing client.
func NewInvalidator(client *redis.Client) *Invalidator {
	return &Invalidator{client: client}
}

// Start subscribes and calls handle for every received key. It blocks until
// ctx is cancelled or Close is called.
func (inv *Invalidator) Start(ctx context.Context, handle func(key string)) {
	subCtx, cancel := context.WithCancel(ctx)
	inv.mu.Lock()
	if inv.closed {
		inv.mu.Unlock()
		cancel()
		return
	}
	inv.cancel = cancel
	inv.mu.Unlock()

	pubsub := inv.client.Subscribe(subCtx, InvalidationChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			logging.Op().Debug("tenant invalidation received", "key", msg.Payload)
			handle(msg.Payload)
		}
	}
}

// Publish broadcasts an invalidation for key.
func (inv *Invalidator) Publish(ctx context.Context, key string) error {
	return inv.client.Publish(ctx, InvalidationChannel, key).Err()
}

// Close stops the subscription.
func (inv *Invalidator) Close() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.closed {
		return nil
	}
	inv.closed = true
	if inv.cancel != nil {
		inv.cancel()
	}
	return nil
}
