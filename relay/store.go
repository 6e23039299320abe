package relay

import (
	"context"
	"errors"
	"time"

	"github.com/yixinin/pairup/proto"
)

var (
	ErrClosed         = errors.New("relay: client closed")
	ErrNotInitialized = errors.New("relay: client not initialized")
	ErrInitialized    = errors.New("relay: client already initialized")
)

// Store is the relay backing store: an unordered collection of messages per
// session with real-time add notifications.
type Store interface {
	// Append stores msg and returns it with id and creation time assigned.
	Append(ctx context.Context, session string, msg proto.Message) (proto.Message, error)
	List(ctx context.Context, session string) ([]proto.Message, error)
	// Delete removes the message with id. A missing id is not an error.
	Delete(ctx context.Context, session, id string) error
	Subscribe(ctx context.Context, session string) (Subscription, error)
}

// Subscription delivers messages appended to a session after Subscribe
// returned. Messages is closed after Close.
type Subscription interface {
	// Since is the store's clock when the subscription was registered.
	// Messages created at or after it are not stale.
	Since() time.Time
	Messages() <-chan proto.Message
	Err() <-chan error
	Close() error
}
