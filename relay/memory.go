package relay

import (
	"context"
	"sync"

	"github.com/yixinin/pairup/proto"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps sessions in process. Two peers sharing one MemoryStore
// negotiate without any network relay.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]proto.Message
	hub      *hub
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]proto.Message),
		hub:      newHub(),
	}
}

func (s *MemoryStore) Append(ctx context.Context, session string, msg proto.Message) (proto.Message, error) {
	if err := ctx.Err(); err != nil {
		return msg, err
	}
	msg = stamp(session, msg)

	s.mu.Lock()
	s.sessions[session] = append(s.sessions[session], msg)
	s.mu.Unlock()

	s.hub.publish(session, msg)
	return msg, nil
}

func (s *MemoryStore) List(ctx context.Context, session string) ([]proto.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]proto.Message, len(s.sessions[session]))
	copy(msgs, s.sessions[session])
	return msgs, nil
}

func (s *MemoryStore) Delete(ctx context.Context, session, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.sessions[session]
	for i := range msgs {
		if msgs[i].Id == id {
			s.sessions[session] = append(msgs[:i:i], msgs[i+1:]...)
			break
		}
	}
	if len(s.sessions[session]) == 0 {
		delete(s.sessions, session)
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, session string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.hub.subscribe(session), nil
}

// Len reports how many messages session currently holds.
func (s *MemoryStore) Len(session string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions[session])
}
