package server

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/yixinin/pairup/proto"
	"github.com/yixinin/pairup/relay"
)

const writeWait = 5 * time.Second

// Watch streams every message appended to the session as a json frame.
// The store subscription is taken before the upgrade so a client whose dial
// returned misses nothing appended afterwards.
func (s *Server) Watch(c *gin.Context) {
	var uri proto.SessionURI
	if err := c.ShouldBindUri(&uri); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	sub, err := s.store.Subscribe(c.Request.Context(), uri.Session)
	if err != nil {
		s.log.Errorf("subscribe %s error:%v", uri.Session, err)
		abort(c, http.StatusInternalServerError, err)
		return
	}
	header := http.Header{}
	header.Set(proto.SinceHeader, sub.Since().UTC().Format(time.RFC3339Nano))
	conn, err := s.Upgrade(c.Writer, c.Request, header)
	if err != nil {
		sub.Close()
		// the upgrader already wrote the http error
		s.log.Warnf("upgrade failed, error:%v", err)
		return
	}
	go s.HandleWatch(uri.Session, conn, sub)
}

func (s *Server) HandleWatch(session string, conn *websocket.Conn, sub relay.Subscription) {
	log := s.log.WithField("session", session).WithField("remote", conn.RemoteAddr().String())
	defer func() {
		if r := recover(); r != nil {
			log.WithField("stacks", string(debug.Stack())).Errorf("handle watch paniced:%v", r)
		}
		sub.Close()
		if err := conn.Close(); err != nil {
			log.Debugf("close conn error:%v", err)
		}
		log.Info("watch closed")
	}()
	log.Info("watch opened")

	// the read side only detects the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debugf("read watch error:%v", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case err := <-sub.Err():
			log.Errorf("subscription error:%v", err)
			s.closeWith(conn, websocket.CloseInternalServerErr, err.Error())
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				s.closeWith(conn, websocket.CloseNormalClosure, "")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				log.Errorf("write message %s error:%v", msg.Id, err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debugf("ping error:%v", err)
				return
			}
		}
	}
}

func (s *Server) closeWith(conn *websocket.Conn, code int, text string) {
	err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	if err != nil {
		s.log.Debugf("write close error:%v", err)
	}
}
