package proto

import (
	"errors"

	"github.com/pion/webrtc/v3"
)

var ErrEmptyPayload = errors.New("empty payload")

func SdpMessage(sdp webrtc.SessionDescription, to Role) (Message, error) {
	kind := KindOffer
	if sdp.Type == webrtc.SDPTypeAnswer {
		kind = KindAnswer
	}
	return NewMessage(kind, To(to), sdp)
}

// Sdp decodes an offer/answer payload and checks it matches the message kind.
func (m Message) Sdp() (webrtc.SessionDescription, error) {
	var sdp webrtc.SessionDescription
	if len(m.Payload) == 0 {
		return sdp, ErrEmptyPayload
	}
	if err := m.DecodePayload(&sdp); err != nil {
		return sdp, err
	}
	if sdp.SDP == "" {
		return sdp, ErrEmptyPayload
	}
	switch {
	case m.Kind == KindOffer && sdp.Type != webrtc.SDPTypeOffer,
		m.Kind == KindAnswer && sdp.Type != webrtc.SDPTypeAnswer:
		return sdp, errors.New("sdp type " + sdp.Type.String() + " does not match kind " + string(m.Kind))
	}
	return sdp, nil
}
