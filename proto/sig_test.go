package proto_test

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yixinin/pairup/proto"
)

func TestAddressedTo(t *testing.T) {
	cases := []struct {
		name      string
		msg       proto.Message
		initiator bool
		responder bool
	}{
		{"to initiator", proto.Message{From: proto.Responder, To: proto.To(proto.Initiator)}, true, false},
		{"to responder", proto.Message{From: proto.Initiator, To: proto.To(proto.Responder)}, false, true},
		{"to all", proto.Message{From: proto.Initiator, To: proto.ToAll}, true, true},
		{"other from initiator", proto.Message{From: proto.Initiator, To: proto.ToOther}, false, true},
		{"other from responder", proto.Message{From: proto.Responder, To: proto.ToOther}, true, false},
		{"unaddressed", proto.Message{From: proto.Responder, To: "nobody"}, false, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.initiator, c.msg.AddressedTo(proto.Initiator))
			assert.Equal(t, c.responder, c.msg.AddressedTo(proto.Responder))
		})
	}
}

func TestOtherReachesExactlyOne(t *testing.T) {
	for _, from := range []proto.Role{proto.Initiator, proto.Responder} {
		msg := proto.Message{From: from, To: proto.ToOther}
		n := 0
		for _, r := range []proto.Role{proto.Initiator, proto.Responder} {
			if msg.AddressedTo(r) {
				n++
			}
		}
		assert.Equal(t, 1, n, "from %s", from)
	}
}

func TestSdpMessage(t *testing.T) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	msg, err := proto.SdpMessage(offer, proto.Responder)
	require.NoError(t, err)
	assert.Equal(t, proto.KindOffer, msg.Kind)
	assert.Equal(t, proto.To(proto.Responder), msg.To)

	got, err := msg.Sdp()
	require.NoError(t, err)
	assert.Equal(t, offer, got)
}

func TestSdpKindMismatch(t *testing.T) {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}
	msg, err := proto.NewMessage(proto.KindOffer, proto.To(proto.Responder), answer)
	require.NoError(t, err)

	_, err = msg.Sdp()
	assert.Error(t, err)
}

func TestCandidateEmpty(t *testing.T) {
	msg := proto.Message{Kind: proto.KindIceCandidate}
	_, err := msg.Candidate()
	assert.ErrorIs(t, err, proto.ErrEmptyPayload)
}

func TestWatchURL(t *testing.T) {
	assert.Equal(t, "ws://relay:8080/api/sessions/room%201/watch", proto.GetWatchURL("http://relay:8080/", "room 1"))
	assert.Equal(t, "wss://relay/api/sessions/r/watch", proto.GetWatchURL("https://relay", "r"))
	assert.Equal(t, "http://relay/api/sessions/r/messages/abc", proto.GetMessageURL("http://relay", "r", "abc"))
}
