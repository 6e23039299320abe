package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"github.com/yixinin/pairup/connection"
	"github.com/yixinin/pairup/ice"
	"github.com/yixinin/pairup/proto"
	"github.com/yixinin/pairup/relay"
	"github.com/yixinin/pairup/stderr"
)

var (
	ErrNoSession       = errors.New("could not connect: no session")
	ErrChannelNotReady = errors.New("channel not ready")
	ErrCouldNotConnect = errors.New("could not connect")
	ErrInvalidRole     = errors.New("invalid role")
)

type Option func(*Peer)

func WithICE(cfg webrtc.Configuration) Option {
	return func(p *Peer) {
		p.ice = cfg
	}
}

// WithAPI builds connections from api, e.g. one with extra codecs.
func WithAPI(api *webrtc.API) Option {
	return func(p *Peer) {
		p.api = api
	}
}

func WithLabel(label string) Option {
	return func(p *Peer) {
		p.label = label
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(p *Peer) {
		p.log = log
	}
}

// WithConnFactory replaces the pion connection, mostly for tests.
func WithConnFactory(f func() (connection.PeerConn, error)) Option {
	return func(p *Peer) {
		p.newConn = f
	}
}

func WithRelayOptions(opts ...relay.Option) Option {
	return func(p *Peer) {
		p.relayOpts = append(p.relayOpts, opts...)
	}
}

// Peer is the application's view of one participant: connect to a room as
// a role, exchange data, attach media.
type Peer struct {
	store     relay.Store
	ice       webrtc.Configuration
	api       *webrtc.API
	label     string
	log       *logrus.Entry
	newConn   func() (connection.PeerConn, error)
	relayOpts []relay.Option

	// serializes Connect so a session is never replaced without teardown
	connectMu sync.Mutex

	mu            sync.Mutex
	sess          *session
	tracks        []webrtc.TrackLocal
	onReceive     func(connection.Payload)
	onRemoteMedia func(*webrtc.TrackRemote)
	onState       func(connection.State)
	onError       func(error)
}

type session struct {
	id        string
	role      proto.Role
	pc        connection.PeerConn
	machine   *connection.Machine
	relay     *relay.Client
	channel   *connection.DataChannel
	connected chan struct{}
	once      sync.Once
	// closed once channel is set
	attached chan struct{}
}

func New(store relay.Store, opts ...Option) *Peer {
	p := &Peer{
		store: store,
		ice:   ice.Config,
		label: proto.DefaultDataLabel,
		log:   logrus.WithField("component", "peer"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.newConn == nil {
		p.newConn = func() (connection.PeerConn, error) {
			return connection.NewPionConn(p.api, p.ice)
		}
	}
	return p
}

// Connect joins sessionID as role. A live session is torn down first.
func (p *Peer) Connect(ctx context.Context, sessionID string, role proto.Role) error {
	if sessionID == "" {
		return ErrNoSession
	}
	if !role.Valid() {
		return fmt.Errorf("%w %q", ErrInvalidRole, role)
	}
	p.connectMu.Lock()
	defer p.connectMu.Unlock()

	if err := p.Disconnect(); err != nil {
		p.log.Errorf("disconnect previous session error:%v", err)
	}

	log := p.log.WithField("session", sessionID).WithField("role", role)
	pc, err := p.newConn()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCouldNotConnect, err)
	}

	p.mu.Lock()
	tracks := append([]webrtc.TrackLocal(nil), p.tracks...)
	p.mu.Unlock()
	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return fmt.Errorf("%w: add track %s: %w", ErrCouldNotConnect, track.ID(), err)
		}
	}

	s := &session{
		id:        sessionID,
		role:      role,
		pc:        pc,
		connected: make(chan struct{}),
		attached:  make(chan struct{}),
	}
	relayOpts := append([]relay.Option{
		relay.WithLogger(log.WithField("component", "relay")),
		relay.WithRetain(func(msg proto.Message) bool { return s.machine.Retain(msg) }),
	}, p.relayOpts...)
	s.relay = relay.NewClient(p.store, relayOpts...)
	s.machine = connection.NewMachine(role, pc, s.relay, connection.WithMachineLogger(log.WithField("component", "negotiation")))
	s.machine.OnStateChange(func(state connection.State) { p.stateChanged(s, state) })
	s.machine.OnError(p.report)
	s.relay.OnError(p.report)

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Infof("remote track %s %s", track.Kind(), track.ID())
		p.mu.Lock()
		f := p.onRemoteMedia
		p.mu.Unlock()
		if f != nil {
			f(track)
		}
	})

	// the initiator declares the channel before its offer; the responder
	// adopts the first inbound one with our label
	switch role {
	case proto.Initiator:
		ordered := true
		raw, err := pc.CreateDataChannel(p.label, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			s.machine.Close()
			return fmt.Errorf("%w: %w", ErrCouldNotConnect, err)
		}
		s.channel = p.newChannel(raw)
		close(s.attached)
	case proto.Responder:
		pc.OnDataChannel(func(raw connection.RawChannel) {
			if raw.Label() != p.label {
				log.Debugf("ignore data channel %s", raw.Label())
				return
			}
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.sess != s || s.channel != nil {
				return
			}
			s.channel = p.newChannel(raw)
			close(s.attached)
		})
	}

	p.mu.Lock()
	p.sess = s
	p.mu.Unlock()

	if err := s.relay.Init(ctx, sessionID, role, s.machine.Handle); err != nil {
		p.Disconnect()
		return fmt.Errorf("%w: %w", ErrCouldNotConnect, err)
	}
	if err := s.machine.Start(ctx); err != nil {
		p.Disconnect()
		return fmt.Errorf("%w: %w", ErrCouldNotConnect, err)
	}
	log.Info("connecting")
	return nil
}

func (p *Peer) newChannel(raw connection.RawChannel) *connection.DataChannel {
	dc := connection.NewDataChannel(raw)
	dc.OnMessage(func(payload connection.Payload) {
		p.mu.Lock()
		f := p.onReceive
		p.mu.Unlock()
		if f != nil {
			f(payload)
		}
	})
	dc.OnError(p.report)
	return dc
}

func (p *Peer) stateChanged(s *session, state connection.State) {
	switch state {
	case connection.Connected:
		s.once.Do(func() { close(s.connected) })
	case connection.Failed:
		// a failed session must not consume what a reconnecting peer sends.
		// Close waits for dispatch, which may be blocked on this loop.
		go func() {
			if err := s.relay.Close(); err != nil {
				p.log.Errorf("close relay error:%v", err)
			}
		}()
	}
	p.mu.Lock()
	current := p.sess == s
	f := p.onState
	p.mu.Unlock()
	if current && f != nil {
		f(state)
	}
}

func (p *Peer) report(err error) {
	p.mu.Lock()
	f := p.onError
	p.mu.Unlock()
	if f != nil {
		f(err)
	}
}

// Disconnect stops the relay listener, then releases the connection and the
// data channel. Calling it without a session is a no-op.
func (p *Peer) Disconnect() error {
	p.mu.Lock()
	s := p.sess
	p.sess = nil
	var channel *connection.DataChannel
	if s != nil {
		channel = s.channel
	}
	p.mu.Unlock()
	if s == nil {
		return nil
	}

	if err := s.relay.Close(); err != nil {
		p.log.Errorf("close relay error:%v", err)
	}
	if err := s.machine.Close(); err != nil {
		p.log.Errorf("close connection error:%v", err)
	}
	if channel != nil {
		if err := channel.Close(); err != nil {
			p.log.Debugf("close data channel error:%v", err)
		}
	}
	p.log.WithField("session", s.id).Info("disconnected")
	return nil
}

// Send encodes v onto the data channel. It fails with ErrChannelNotReady
// until the channel is open.
func (p *Peer) Send(v any) error {
	p.mu.Lock()
	var channel *connection.DataChannel
	if p.sess != nil {
		channel = p.sess.channel
	}
	p.mu.Unlock()
	if channel == nil {
		return ErrChannelNotReady
	}
	err := channel.Send(v)
	if errors.Is(err, connection.ErrChannelNotOpen) {
		return fmt.Errorf("%w: %w", ErrChannelNotReady, err)
	}
	return err
}

// Receive replaces the data callback. It stays registered across sessions.
func (p *Peer) Receive(f func(connection.Payload)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReceive = f
}

// DataTransportState is closed without a session and connecting until the
// responder has seen the channel.
func (p *Peer) DataTransportState() connection.ChannelState {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.sess == nil:
		return connection.ChannelClosed
	case p.sess.channel == nil:
		return connection.ChannelConnecting
	}
	return p.sess.channel.State()
}

// AttachLocalMedia adds tracks to the live connection and to every later
// one. Tracks added after the offer only flow after a new Connect.
func (p *Peer) AttachLocalMedia(tracks ...webrtc.TrackLocal) error {
	p.mu.Lock()
	p.tracks = append(p.tracks, tracks...)
	s := p.sess
	p.mu.Unlock()
	if s == nil {
		return nil
	}
	for _, track := range tracks {
		if _, err := s.pc.AddTrack(track); err != nil {
			return stderr.Wrap(err)
		}
	}
	return nil
}

func (p *Peer) OnRemoteMedia(f func(*webrtc.TrackRemote)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRemoteMedia = f
}

func (p *Peer) OnStateChange(f func(connection.State)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = f
}

// OnError replaces the callback for transport errors, connection failure and
// malformed payloads.
func (p *Peer) OnError(f func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = f
}

// State is Closed without a session.
func (p *Peer) State() connection.State {
	p.mu.Lock()
	s := p.sess
	p.mu.Unlock()
	if s == nil {
		return connection.Closed
	}
	return s.machine.State()
}

// WaitConnected blocks until the session is connected and its data channel
// is open.
func (p *Peer) WaitConnected(ctx context.Context) error {
	p.mu.Lock()
	s := p.sess
	p.mu.Unlock()
	if s == nil {
		return ErrNoSession
	}
	select {
	case <-s.connected:
	case <-s.machine.Done():
		if s.machine.State() == connection.Failed {
			return connection.ErrConnectionFailed
		}
		return connection.ErrMachineClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-s.attached:
	case <-s.machine.Done():
		return connection.ErrMachineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	channel := s.channel
	p.mu.Unlock()
	return channel.WaitOpen(ctx)
}
