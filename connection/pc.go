package connection

import (
	"github.com/pion/webrtc/v3"
	"github.com/yixinin/pairup/stderr"
)

// RawChannel is the part of *webrtc.DataChannel the side transport uses.
type RawChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	Send(data []byte) error
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	Close() error
}

var _ RawChannel = (*webrtc.DataChannel)(nil)

// PeerConn is the point to point connection a Machine negotiates.
// Implementations must be safe for concurrent use.
type PeerConn interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error

	// OnICECandidate is called for every locally discovered candidate.
	OnICECandidate(f func(c webrtc.ICECandidateInit))
	OnConnectionStateChange(f func(s webrtc.PeerConnectionState))

	CreateDataChannel(label string, init *webrtc.DataChannelInit) (RawChannel, error)
	OnDataChannel(f func(dc RawChannel))

	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	OnTrack(f func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))

	Close() error
}

type pionConn struct {
	*webrtc.PeerConnection
}

// NewPionConn opens a pion peer connection. A nil api uses pion's default
// media engine and interceptors.
func NewPionConn(api *webrtc.API, cfg webrtc.Configuration) (PeerConn, error) {
	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if api != nil {
		pc, err = api.NewPeerConnection(cfg)
	} else {
		pc, err = webrtc.NewPeerConnection(cfg)
	}
	if err != nil {
		return nil, stderr.Wrap(err)
	}
	return &pionConn{PeerConnection: pc}, nil
}

func (c *pionConn) OnICECandidate(f func(c webrtc.ICECandidateInit)) {
	c.PeerConnection.OnICECandidate(func(cd *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if cd == nil {
			return
		}
		f(cd.ToJSON())
	})
}

func (c *pionConn) CreateDataChannel(label string, init *webrtc.DataChannelInit) (RawChannel, error) {
	dc, err := c.PeerConnection.CreateDataChannel(label, init)
	if err != nil {
		return nil, stderr.Wrap(err)
	}
	return dc, nil
}

func (c *pionConn) OnDataChannel(f func(dc RawChannel)) {
	c.PeerConnection.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc == nil {
			return
		}
		f(dc)
	})
}
