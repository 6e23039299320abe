package relay

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/yixinin/pairup/proto"
	"github.com/yixinin/pairup/stderr"
)

type Option func(*Client)

// WithRetain keeps messages matching keep through the purge in Init and
// dispatches them like fresh ones.
func WithRetain(keep func(proto.Message) bool) Option {
	return func(c *Client) {
		c.retain = keep
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(c *Client) {
		c.log = log
	}
}

// Client reads and writes one session of a relay Store on behalf of one
// participant.
type Client struct {
	store  Store
	log    *logrus.Entry
	retain func(proto.Message) bool

	mu      sync.Mutex
	session string
	self    proto.Role
	inited  bool
	closed  bool
	onError func(error)

	sub    Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

func NewClient(store Store, opts ...Option) *Client {
	c := &Client{
		store: store,
		log:   logrus.WithField("component", "relay"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnError replaces the transport error callback.
func (c *Client) OnError(f func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = f
}

func (c *Client) report(err error) {
	c.mu.Lock()
	f := c.onError
	c.mu.Unlock()
	if f != nil {
		f(err)
	}
}

// Init subscribes to session, purges whatever it held before the
// subscription was registered and then delivers every new message addressed
// to self to onMessage, deleting each one after the callback returns. onMessage runs on a single goroutine.
func (c *Client) Init(ctx context.Context, session string, self proto.Role, onMessage func(proto.Message)) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.inited:
		c.mu.Unlock()
		return ErrInitialized
	}
	c.inited = true
	c.session = session
	c.self = self
	c.log = c.log.WithField("session", session).WithField("role", self)
	c.mu.Unlock()

	subCtx, cancel := context.WithCancel(context.Background())
	sub, err := c.store.Subscribe(ctx, session)
	if err != nil {
		cancel()
		c.fail()
		return stderr.Wrap(err)
	}

	existing, err := c.store.List(ctx, session)
	if err != nil {
		sub.Close()
		cancel()
		c.fail()
		return stderr.Wrap(err)
	}

	var (
		since    = sub.Since()
		purged   = make(map[string]struct{}, len(existing))
		retained []proto.Message
	)
	for _, msg := range existing {
		// appended while we were listing, the subscription has it too
		if !msg.Created.Before(since) {
			retained = append(retained, msg)
			continue
		}
		if c.retain != nil && c.retain(msg) {
			retained = append(retained, msg)
			continue
		}
		purged[msg.Id] = struct{}{}
		if err := c.store.Delete(ctx, session, msg.Id); err != nil {
			c.log.Errorf("purge %s %s error:%v", msg.Kind, msg.Id, err)
			c.report(stderr.Wrap(err))
			continue
		}
		c.log.WithField("kind", msg.Kind).Debugf("purged stale message %s", msg.Id)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Close()
		cancel()
		return ErrClosed
	}
	c.sub = sub
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.dispatch(subCtx, sub, purged, retained, onMessage)
	return nil
}

// fail lets a client whose Init failed be initialized again.
func (c *Client) fail() {
	c.mu.Lock()
	c.inited = false
	c.mu.Unlock()
}

func (c *Client) dispatch(ctx context.Context, sub Subscription, purged map[string]struct{}, retained []proto.Message, onMessage func(proto.Message)) {
	defer close(c.done)
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("dispatch panic:%v", r)
			c.report(stderr.Errorf("relay dispatch panic: %v", r))
		}
	}()

	seen := make(map[string]struct{})
	handle := func(msg proto.Message) {
		if _, ok := purged[msg.Id]; ok {
			return
		}
		if _, ok := seen[msg.Id]; ok {
			c.log.WithField("kind", msg.Kind).Debugf("skip duplicate %s", msg.Id)
			return
		}
		if !msg.AddressedTo(c.self) {
			return
		}
		seen[msg.Id] = struct{}{}
		if ctx.Err() != nil {
			return
		}
		onMessage(msg)
		if err := c.store.Delete(ctx, c.session, msg.Id); err != nil && ctx.Err() == nil {
			c.log.Errorf("delete %s %s error:%v", msg.Kind, msg.Id, err)
			c.report(stderr.Wrap(err))
		}
	}

	for _, msg := range retained {
		handle(msg)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if ctx.Err() != nil {
				return
			}
			c.log.Errorf("subscription error:%v", err)
			c.report(err)
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			handle(msg)
		}
	}
}

// Send appends msg to the session as self. There is no retry.
func (c *Client) Send(ctx context.Context, msg proto.Message) error {
	c.mu.Lock()
	closed, inited := c.closed, c.inited && c.sub != nil
	session, self := c.session, c.self
	c.mu.Unlock()
	switch {
	case closed:
		return ErrClosed
	case !inited:
		return ErrNotInitialized
	}

	msg.Id = ""
	msg.From = self
	msg.Session = session
	_, err := c.store.Append(ctx, session, msg)
	if err != nil {
		return stderr.Wrap(err)
	}
	c.log.WithField("kind", msg.Kind).WithField("to", msg.To).Debug("sent")
	return nil
}

// Close stops delivery. No onMessage call starts after Close returns. It must
// not be called from inside onMessage.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub, cancel, done := c.sub, c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if sub != nil {
		err = sub.Close()
	}
	if done != nil {
		<-done
	}
	return err
}
