package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yixinin/pairup/proto"
)

type subscription struct {
	since  time.Time
	mu     sync.Mutex
	queue  []proto.Message
	notify chan struct{}
	msgs   chan proto.Message
	errs   chan error
	done   chan struct{}
	once   sync.Once

	onClose func()
}

func newSubscription(since time.Time, onClose func()) *subscription {
	s := &subscription{
		since:   since,
		notify:  make(chan struct{}, 1),
		msgs:    make(chan proto.Message),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go s.pump()
	return s
}

func (s *subscription) Since() time.Time {
	return s.since
}

func (s *subscription) Messages() <-chan proto.Message {
	return s.msgs
}

func (s *subscription) Err() <-chan error {
	return s.errs
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}

func (s *subscription) push(msg proto.Message) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) fail(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.errs <- err:
	default:
	}
}

// pump hands queued messages to the reader so push never blocks the
// publisher on a slow subscriber.
func (s *subscription) pump() {
	defer close(s.msgs)
	for {
		s.mu.Lock()
		queue := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, msg := range queue {
			select {
			case s.msgs <- msg:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}

// hub fans out appended messages to the subscribers of a session.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[*subscription]struct{})}
}

func (h *hub) subscribe(session string) *subscription {
	var sub *subscription
	sub = newSubscription(time.Now(), func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[session], sub)
		if len(h.subs[session]) == 0 {
			delete(h.subs, session)
		}
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[session] == nil {
		h.subs[session] = make(map[*subscription]struct{})
	}
	h.subs[session][sub] = struct{}{}
	return sub
}

func (h *hub) publish(session string, msg proto.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[session] {
		sub.push(msg)
	}
}

func (h *hub) count(session string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[session])
}

// stamp assigns the store owned fields of a new message.
func stamp(session string, msg proto.Message) proto.Message {
	if msg.Id == "" {
		msg.Id = uuid.NewString()
	}
	msg.Session = session
	if msg.Created.IsZero() {
		msg.Created = time.Now()
	}
	return msg
}
