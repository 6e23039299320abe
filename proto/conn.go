package proto

import (
	"fmt"
	"net/url"
	"strings"
)

// SinceHeader carries the server's registration time on a watch upgrade.
const SinceHeader = "X-Relay-Since"

type ListAck struct {
	Messages []Message `json:"messages"`
}

type ErrorAck struct {
	Error string `json:"error"`
}

// SessionURI binds the relay path parameters on the server side.
type SessionURI struct {
	Session string `uri:"session" binding:"required"`
}

type MessageURI struct {
	Session string `uri:"session" binding:"required"`
	Id      string `uri:"id" binding:"required"`
}

func GetMessagesURL(relayAddr, session string) string {
	return fmt.Sprintf("%s/api/sessions/%s/messages", strings.TrimRight(relayAddr, "/"), url.PathEscape(session))
}

func GetMessageURL(relayAddr, session, id string) string {
	return fmt.Sprintf("%s/%s", GetMessagesURL(relayAddr, session), url.PathEscape(id))
}

// GetWatchURL turns an http(s) relay address into the ws(s) watch endpoint.
func GetWatchURL(relayAddr, session string) string {
	addr := strings.TrimRight(relayAddr, "/")
	switch {
	case strings.HasPrefix(addr, "https://"):
		addr = "wss://" + strings.TrimPrefix(addr, "https://")
	case strings.HasPrefix(addr, "http://"):
		addr = "ws://" + strings.TrimPrefix(addr, "http://")
	}
	return fmt.Sprintf("%s/api/sessions/%s/watch", addr, url.PathEscape(session))
}
