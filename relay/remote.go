package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/yixinin/pairup/proto"
	"github.com/yixinin/pairup/stderr"
)

var _ Store = (*RemoteStore)(nil)

// RemoteStore talks to a relay server. Append, List and Delete are plain
// http calls; Subscribe holds a websocket open. A dropped websocket is
// reported on Err and not redialed.
type RemoteStore struct {
	Addr   string
	Client *http.Client
	Dialer *websocket.Dialer
}

func NewRemoteStore(addr string) *RemoteStore {
	return &RemoteStore{
		Addr:   addr,
		Client: http.DefaultClient,
		Dialer: websocket.DefaultDialer,
	}
}

func (s *RemoteStore) do(ctx context.Context, method, url string, body, ack any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return stderr.Wrap(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return stderr.Wrap(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return stderr.Wrap(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound && method == http.MethodDelete:
		return nil
	case resp.StatusCode >= 300:
		var e proto.ErrorAck
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return stderr.Errorf("%s %s: status %d %s", method, url, resp.StatusCode, e.Error)
	}
	if ack == nil {
		return nil
	}
	return stderr.Wrap(json.NewDecoder(resp.Body).Decode(ack))
}

func (s *RemoteStore) Append(ctx context.Context, session string, msg proto.Message) (proto.Message, error) {
	var ack proto.Message
	err := s.do(ctx, http.MethodPost, proto.GetMessagesURL(s.Addr, session), msg, &ack)
	return ack, err
}

func (s *RemoteStore) List(ctx context.Context, session string) ([]proto.Message, error) {
	var ack proto.ListAck
	err := s.do(ctx, http.MethodGet, proto.GetMessagesURL(s.Addr, session), nil, &ack)
	return ack.Messages, err
}

func (s *RemoteStore) Delete(ctx context.Context, session, id string) error {
	return s.do(ctx, http.MethodDelete, proto.GetMessageURL(s.Addr, session, id), nil, nil)
}

// Subscribe returns once the server has registered the watch, so anything
// appended afterwards is delivered.
func (s *RemoteStore) Subscribe(ctx context.Context, session string) (Subscription, error) {
	url := proto.GetWatchURL(s.Addr, session)
	conn, resp, err := s.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, stderr.Errorf("dial %s: %w, status %d", url, err, resp.StatusCode)
		}
		return nil, stderr.Wrap(err)
	}

	since, err := time.Parse(time.RFC3339Nano, resp.Header.Get(proto.SinceHeader))
	if err != nil {
		logrus.WithField("component", "relay").Warnf("watch %s without %s, using local clock", session, proto.SinceHeader)
		since = time.Now()
	}
	sub := newSubscription(since, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline())
		conn.Close()
	})
	go s.read(session, conn, sub)
	return sub, nil
}

func (s *RemoteStore) read(session string, conn *websocket.Conn, sub *subscription) {
	log := logrus.WithField("component", "relay").WithField("session", session)
	for {
		var msg proto.Message
		err := conn.ReadJSON(&msg)
		if err != nil {
			select {
			case <-sub.done:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("watch closed by server:%v", err)
			} else {
				log.Errorf("read watch error:%v", err)
			}
			sub.fail(fmt.Errorf("relay watch: %w", err))
			return
		}
		sub.push(msg)
	}
}

func deadline() time.Time {
	return time.Now().Add(time.Second)
}
