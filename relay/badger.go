package relay

import (
	"context"
	"net/url"
	"sort"

	"github.com/yixinin/pairup/db"
	"github.com/yixinin/pairup/proto"
	"github.com/yixinin/pairup/stderr"
)

var _ Store = (*BadgerStore)(nil)

// BadgerStore keeps messages in badger under relay/<session>/<id>, so a relay
// server restart does not lose a half finished negotiation. Notifications
// only reach subscribers of this process.
type BadgerStore struct {
	storage *db.Storage
	ttl     int
	hub     *hub
}

// NewBadgerStore stores messages with a ttl in seconds; ttl <= 0 keeps them
// until deleted.
func NewBadgerStore(storage *db.Storage, ttl int) *BadgerStore {
	return &BadgerStore{
		storage: storage,
		ttl:     ttl,
		hub:     newHub(),
	}
}

func sessionPrefix(session string) string {
	return "relay/" + url.PathEscape(session) + "/"
}

func messageKey(session, id string) string {
	return sessionPrefix(session) + id
}

func (s *BadgerStore) Append(ctx context.Context, session string, msg proto.Message) (proto.Message, error) {
	msg = stamp(session, msg)
	if err := db.Set(ctx, s.storage, messageKey(session, msg.Id), msg, s.ttl); err != nil {
		return msg, stderr.Wrap(err)
	}
	s.hub.publish(session, msg)
	return msg, nil
}

func (s *BadgerStore) List(ctx context.Context, session string) ([]proto.Message, error) {
	msgs, err := db.Scan[proto.Message](ctx, s.storage, sessionPrefix(session), 0)
	if err != nil {
		return nil, stderr.Wrap(err)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Created.Before(msgs[j].Created)
	})
	return msgs, nil
}

func (s *BadgerStore) Delete(ctx context.Context, session, id string) error {
	return stderr.Wrap(db.Delete(ctx, s.storage, messageKey(session, id)))
}

func (s *BadgerStore) Subscribe(ctx context.Context, session string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.hub.subscribe(session), nil
}
