// Package conntest links two in-memory PeerConns so negotiation can be
// tested without a network. The pair reports connected once both sides hold
// a local and a remote description and at least one remote candidate, like a
// real ICE agent that has a path to try.
package conntest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/yixinin/pairup/connection"
)

var (
	ErrNoRemoteDescription = errors.New("conntest: remote description not set")
	ErrClosed              = errors.New("conntest: connection closed")
)

// link serializes every callback of a pair on one goroutine.
type link struct {
	mu     sync.Mutex
	queue  []func()
	notify chan struct{}
	stop   chan struct{}
	once   sync.Once
}

func newLink() *link {
	l := &link{
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *link) post(f func()) {
	l.mu.Lock()
	l.queue = append(l.queue, f)
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *link) run() {
	for {
		l.mu.Lock()
		queue := l.queue
		l.queue = nil
		l.mu.Unlock()
		for _, f := range queue {
			f()
		}
		select {
		case <-l.notify:
		case <-l.stop:
			return
		}
	}
}

func (l *link) close() {
	l.once.Do(func() { close(l.stop) })
}

// Conn is one end of a linked pair.
type Conn struct {
	name string
	link *link
	peer *Conn

	mu          sync.Mutex
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	remoteCands []webrtc.ICECandidateInit
	state       webrtc.PeerConnectionState
	closed      bool
	sdpVersion  int
	channels    []*Channel
	tracks      []webrtc.TrackLocal

	onICE     func(webrtc.ICECandidateInit)
	onState   func(webrtc.PeerConnectionState)
	onChannel func(connection.RawChannel)
	onTrack   func(*webrtc.TrackRemote, *webrtc.RTPReceiver)

	// Candidates is how many local candidates SetLocalDescription emits.
	Candidates int
	// SetRemoteErr, when set, is returned by SetRemoteDescription.
	SetRemoteErr error
}

var _ connection.PeerConn = (*Conn)(nil)

// Pair returns two linked connections.
func Pair() (*Conn, *Conn) {
	l := newLink()
	a := &Conn{name: "a", link: l, Candidates: 2, state: webrtc.PeerConnectionStateNew}
	b := &Conn{name: "b", link: l, Candidates: 2, state: webrtc.PeerConnectionStateNew}
	a.peer, b.peer = b, a
	return a, b
}

// Factory hands out a then b, for code that builds its own connection.
func Factory(conns ...*Conn) func() (connection.PeerConn, error) {
	var (
		mu sync.Mutex
		i  int
	)
	return func() (connection.PeerConn, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(conns) {
			return nil, errors.New("conntest: factory exhausted")
		}
		c := conns[i]
		i++
		return c, nil
	}
}

func (c *Conn) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	c.sdpVersion++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("v=0\r\no=%s %d offer\r\nm=application channels=%d\r\n", c.name, c.sdpVersion, len(c.channels)),
	}, nil
}

func (c *Conn) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if c.remote == nil || c.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("conntest: answer without remote offer")
	}
	c.sdpVersion++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("v=0\r\no=%s %d answer\r\n", c.name, c.sdpVersion),
	}, nil
}

func (c *Conn) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.local != nil {
		c.mu.Unlock()
		return errors.New("conntest: local description already set")
	}
	c.local = &desc
	n := c.Candidates
	c.mu.Unlock()

	for i := 0; i < n; i++ {
		cand := webrtc.ICECandidateInit{
			Candidate: fmt.Sprintf("candidate:%s%d 1 udp 2130706431 10.0.0.%d %d typ host", c.name, i, i+1, 40000+i),
		}
		c.link.post(func() {
			c.mu.Lock()
			f, closed := c.onICE, c.closed
			c.mu.Unlock()
			if f != nil && !closed {
				f(cand)
			}
		})
	}
	c.check()
	return nil
}

func (c *Conn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.SetRemoteErr != nil {
		return c.SetRemoteErr
	}
	if c.remote != nil {
		return errors.New("conntest: remote description already set")
	}
	if desc.Type == webrtc.SDPTypeAnswer && (c.local == nil || c.local.Type != webrtc.SDPTypeOffer) {
		return errors.New("conntest: answer without local offer")
	}
	c.remote = &desc
	return nil
}

// AddICECandidate rejects candidates before the remote description, like
// pion does.
func (c *Conn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.remote == nil {
		c.mu.Unlock()
		return ErrNoRemoteDescription
	}
	c.remoteCands = append(c.remoteCands, cand)
	c.mu.Unlock()
	c.check()
	return nil
}

// RemoteCandidates returns the candidates the connection accepted.
func (c *Conn) RemoteCandidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.remoteCands...)
}

func (c *Conn) ready() bool {
	return !c.closed && c.local != nil && c.remote != nil && len(c.remoteCands) > 0
}

// check connects the pair once both ends are ready. Lock order is a then b.
func (c *Conn) check() {
	first, second := c, c.peer
	if first.name > second.name {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	if !first.ready() || !second.ready() || first.state == webrtc.PeerConnectionStateConnected {
		second.mu.Unlock()
		first.mu.Unlock()
		return
	}
	first.state = webrtc.PeerConnectionStateConnected
	second.state = webrtc.PeerConnectionStateConnected
	var opened []*Channel
	for _, pair := range [][2]*Conn{{first, second}, {second, first}} {
		owner, remote := pair[0], pair[1]
		for _, ch := range owner.channels {
			if ch.remote() != nil {
				continue
			}
			counterpart := &Channel{link: c.link, conn: remote, label: ch.label, peer: ch, state: webrtc.DataChannelStateConnecting}
			ch.mu.Lock()
			ch.peer = counterpart
			ch.mu.Unlock()
			remote.channels = append(remote.channels, counterpart)
			opened = append(opened, ch)
		}
	}
	second.mu.Unlock()
	first.mu.Unlock()

	for _, conn := range []*Conn{first, second} {
		conn := conn
		c.link.post(func() { conn.fireState(webrtc.PeerConnectionStateConnected) })
	}
	for _, ch := range opened {
		ch := ch
		counterpart := ch.remote()
		c.link.post(func() {
			counterpart.conn.mu.Lock()
			f := counterpart.conn.onChannel
			counterpart.conn.mu.Unlock()
			if f != nil {
				f(counterpart)
			}
			ch.open()
			counterpart.open()
		})
	}
}

func (c *Conn) fireState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	f := c.onState
	c.mu.Unlock()
	if f != nil {
		f(s)
	}
}

// SetState forces a connection state, e.g. Failed.
func (c *Conn) SetState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.link.post(func() { c.fireState(s) })
}

func (c *Conn) ConnectionState() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = f
}

func (c *Conn) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = f
}

func (c *Conn) CreateDataChannel(label string, init *webrtc.DataChannelInit) (connection.RawChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	ch := &Channel{link: c.link, conn: c, label: label, state: webrtc.DataChannelStateConnecting}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Conn) OnDataChannel(f func(connection.RawChannel)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChannel = f
}

func (c *Conn) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.tracks = append(c.tracks, track)
	return nil, nil
}

func (c *Conn) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), c.tracks...)
}

func (c *Conn) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = f
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = webrtc.PeerConnectionStateClosed
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	c.peer.mu.Lock()
	both := c.peer.closed
	c.peer.mu.Unlock()
	if both {
		c.link.post(c.link.close)
	}
	return nil
}

// Channel is one end of a linked data channel.
type Channel struct {
	link  *link
	conn  *Conn
	label string
	peer  *Channel

	mu        sync.Mutex
	state     webrtc.DataChannelState
	onOpen    func()
	onClose   func()
	onMessage func(webrtc.DataChannelMessage)
}

var _ connection.RawChannel = (*Channel)(nil)

func (ch *Channel) Label() string {
	return ch.label
}

func (ch *Channel) ReadyState() webrtc.DataChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *Channel) open() {
	ch.mu.Lock()
	if ch.state != webrtc.DataChannelStateConnecting {
		ch.mu.Unlock()
		return
	}
	ch.state = webrtc.DataChannelStateOpen
	f := ch.onOpen
	ch.mu.Unlock()
	if f != nil {
		f()
	}
}

// Send delivers data to the peer channel in order.
func (ch *Channel) Send(data []byte) error {
	ch.mu.Lock()
	open, peer := ch.state == webrtc.DataChannelStateOpen, ch.peer
	ch.mu.Unlock()
	if !open || peer == nil {
		return errors.New("conntest: channel not open")
	}
	msg := webrtc.DataChannelMessage{Data: append([]byte(nil), data...)}
	ch.link.post(func() {
		peer.mu.Lock()
		f, open := peer.onMessage, peer.state == webrtc.DataChannelStateOpen
		peer.mu.Unlock()
		if f != nil && open {
			f(msg)
		}
	})
	return nil
}

func (ch *Channel) OnOpen(f func()) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onOpen = f
}

func (ch *Channel) OnClose(f func()) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onClose = f
}

func (ch *Channel) OnMessage(f func(webrtc.DataChannelMessage)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onMessage = f
}

func (ch *Channel) shut() {
	ch.mu.Lock()
	if ch.state == webrtc.DataChannelStateClosed {
		ch.mu.Unlock()
		return
	}
	ch.state = webrtc.DataChannelStateClosed
	f := ch.onClose
	ch.mu.Unlock()
	if f != nil {
		ch.link.post(f)
	}
}

// Close closes both ends.
func (ch *Channel) Close() error {
	ch.shut()
	if peer := ch.remote(); peer != nil {
		peer.shut()
	}
	return nil
}

func (ch *Channel) remote() *Channel {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.peer
}
