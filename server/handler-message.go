package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/yixinin/pairup/proto"
)

var ErrInvalidMessage = errors.New("invalid message")

func abort(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, proto.ErrorAck{Error: err.Error()})
}

func (s *Server) PostMessage(c *gin.Context) {
	var uri proto.SessionURI
	if err := c.ShouldBindUri(&uri); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	var msg proto.Message
	if err := c.ShouldBindWith(&msg, binding.JSON); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if !msg.Kind.Valid() {
		abort(c, http.StatusBadRequest, fmt.Errorf("%w: kind %q", ErrInvalidMessage, msg.Kind))
		return
	}
	if !msg.From.Valid() {
		abort(c, http.StatusBadRequest, fmt.Errorf("%w: from %q", ErrInvalidMessage, msg.From))
		return
	}

	// the store owns id and creation time
	msg.Id = ""
	msg.Created = time.Time{}
	ack, err := s.store.Append(c.Request.Context(), uri.Session, msg)
	if err != nil {
		s.log.Errorf("append %s error:%v", uri.Session, err)
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

func (s *Server) ListMessages(c *gin.Context) {
	var uri proto.SessionURI
	if err := c.ShouldBindUri(&uri); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	msgs, err := s.store.List(c.Request.Context(), uri.Session)
	if err != nil {
		s.log.Errorf("list %s error:%v", uri.Session, err)
		abort(c, http.StatusInternalServerError, err)
		return
	}
	if msgs == nil {
		msgs = []proto.Message{}
	}
	c.JSON(http.StatusOK, proto.ListAck{Messages: msgs})
}

func (s *Server) DeleteMessage(c *gin.Context) {
	var uri proto.MessageURI
	if err := c.ShouldBindUri(&uri); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err := s.store.Delete(c.Request.Context(), uri.Session, uri.Id); err != nil {
		s.log.Errorf("delete %s/%s error:%v", uri.Session, uri.Id, err)
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}
