package proto

import "github.com/pion/webrtc/v3"

// CandidateMessage addresses a locally discovered candidate to the other side.
func CandidateMessage(c webrtc.ICECandidateInit) (Message, error) {
	return NewMessage(KindIceCandidate, ToOther, c)
}

func (m Message) Candidate() (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if len(m.Payload) == 0 {
		return c, ErrEmptyPayload
	}
	if err := m.DecodePayload(&c); err != nil {
		return c, err
	}
	if c.Candidate == "" {
		return c, ErrEmptyPayload
	}
	return c, nil
}
