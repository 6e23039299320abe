package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"github.com/yixinin/pairup/proto"
	"github.com/yixinin/pairup/stderr"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrMachineClosed    = errors.New("machine closed")
)

// Sender delivers negotiation messages to the other participant.
// *relay.Client is the usual implementation.
type Sender interface {
	Send(ctx context.Context, msg proto.Message) error
}

type MachineOption func(*Machine)

func WithMachineLogger(log *logrus.Entry) MachineOption {
	return func(m *Machine) {
		m.log = log
	}
}

// WithSendTimeout bounds every relay send.
func WithSendTimeout(d time.Duration) MachineOption {
	return func(m *Machine) {
		m.sendTimeout = d
	}
}

// Machine drives one PeerConn from idle to connected. Relay messages, local
// candidates and connection state changes are serialized on one loop
// goroutine, so SDP operations never overlap.
type Machine struct {
	neg         negotiator
	pc          PeerConn
	sender      Sender
	log         *logrus.Entry
	sendTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	msgEvent   chan proto.Message
	iceEvent   chan webrtc.ICECandidateInit
	connEvent  chan webrtc.PeerConnectionState
	startEvent chan chan error

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	mu            sync.Mutex
	current       State
	onStateChange func(State)
	onError       func(error)

	// owned by the loop
	remoteSet       bool
	pending         []webrtc.ICECandidateInit
	localCandidates []webrtc.ICECandidateInit
}

func NewMachine(role proto.Role, pc PeerConn, sender Sender, opts ...MachineOption) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		neg:         newNegotiator(role),
		pc:          pc,
		sender:      sender,
		log:         logrus.WithField("component", "negotiation"),
		sendTimeout: 10 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
		msgEvent:    make(chan proto.Message, 64),
		iceEvent:    make(chan webrtc.ICECandidateInit, 64),
		connEvent:   make(chan webrtc.PeerConnectionState, 8),
		startEvent:  make(chan chan error),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.WithField("role", role)

	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		select {
		case m.iceEvent <- c:
		case <-m.closing:
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.log.Infof("connection state changed :%s", s)
		select {
		case m.connEvent <- s:
		case <-m.closing:
		}
	})

	GoFunc(ctx, m.loop)
	return m
}

func (m *Machine) Role() proto.Role {
	return m.neg.role()
}

// Retain is the relay purge predicate of this machine's role.
func (m *Machine) Retain(msg proto.Message) bool {
	return m.neg.retain(msg)
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Machine) state() State {
	return m.State()
}

// OnStateChange replaces the transition callback. It runs on the goroutine
// that made the transition, usually the loop.
func (m *Machine) OnStateChange(f func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = f
}

// OnError replaces the error callback. Send failures and connection failure
// are reported here; discarded protocol messages are not.
func (m *Machine) OnError(f func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = f
}

// Done is closed once the machine reaches Failed or Closed.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Start triggers the role's local begin: the responder announces ready.
func (m *Machine) Start(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case m.startEvent <- reply:
	case <-m.closing:
		return ErrMachineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-m.closing:
		return ErrMachineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle queues a relay message for the loop. It is the relay client's
// onMessage.
func (m *Machine) Handle(msg proto.Message) {
	select {
	case m.msgEvent <- msg:
	case <-m.closing:
	}
}

// Close releases the connection. Safe to call more than once and from
// callbacks.
func (m *Machine) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closing)
		m.cancel()
		err = m.pc.Close()
		m.transition(Closed)
	})
	return stderr.Wrap(err)
}

func (m *Machine) loop(ctx context.Context) error {
	for {
		select {
		case <-m.closing:
			return nil
		case reply := <-m.startEvent:
			if m.state().Terminal() {
				reply <- ErrMachineClosed
				continue
			}
			reply <- m.neg.start(m)
		case msg := <-m.msgEvent:
			m.onMessage(msg)
		case c := <-m.iceEvent:
			m.onLocalCandidate(c)
		case s := <-m.connEvent:
			m.onConnectionState(s)
		}
	}
}

func (m *Machine) onMessage(msg proto.Message) {
	if m.state().Terminal() {
		m.discard(msg, "machine "+m.state().String())
		return
	}
	if !msg.AddressedTo(m.neg.role()) || msg.From == m.neg.role() {
		m.discard(msg, "not addressed to "+m.neg.role().String())
		return
	}
	if msg.Kind == proto.KindIceCandidate {
		m.onRemoteCandidate(msg)
		return
	}
	m.neg.handle(m, msg)
}

func (m *Machine) onRemoteCandidate(msg proto.Message) {
	c, err := msg.Candidate()
	if err != nil {
		m.discard(msg, err.Error())
		return
	}
	if !m.remoteSet {
		m.pending = append(m.pending, c)
		m.log.Debugf("queued early candidate, %d pending", len(m.pending))
		return
	}
	m.addCandidate(c)
}

func (m *Machine) addCandidate(c webrtc.ICECandidateInit) {
	if err := m.pc.AddICECandidate(c); err != nil {
		m.log.Debugf("drop rejected candidate %s:%v", c.Candidate, err)
	}
}

// flushCandidates applies candidates that arrived before the remote
// description. Call right after setting it.
func (m *Machine) flushCandidates() {
	pending := m.pending
	m.pending = nil
	for _, c := range pending {
		m.addCandidate(c)
	}
}

func (m *Machine) onLocalCandidate(c webrtc.ICECandidateInit) {
	if m.state().Terminal() {
		return
	}
	m.localCandidates = append(m.localCandidates, c)
	m.sendCandidate(c)
}

func (m *Machine) sendCandidate(c webrtc.ICECandidateInit) {
	msg, err := proto.CandidateMessage(c)
	if err != nil {
		m.report(stderr.Wrap(err))
		return
	}
	if err := m.send(msg); err != nil {
		m.log.Errorf("send candidate error:%v", err)
		m.report(err)
	}
}

func (m *Machine) onConnectionState(s webrtc.PeerConnectionState) {
	if m.state().Terminal() {
		return
	}
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if m.state() != Connected {
			m.transition(Connected)
		}
	case webrtc.PeerConnectionStateFailed:
		m.fail(ErrConnectionFailed)
	}
}

func (m *Machine) send(msg proto.Message) error {
	ctx, cancel := context.WithTimeout(m.ctx, m.sendTimeout)
	defer cancel()
	err := m.sender.Send(ctx, msg)
	if err != nil {
		return stderr.Wrap(err)
	}
	return nil
}

func (m *Machine) discard(msg proto.Message, reason string) {
	m.log.WithField("kind", msg.Kind).WithField("from", msg.From).Debugf("discard %s: %s", msg.Id, reason)
}

// fail reports err and moves to Failed, unless the machine is already
// closing.
func (m *Machine) fail(err error) {
	select {
	case <-m.closing:
		return
	default:
	}
	m.log.Errorf("negotiation failed:%v", err)
	m.report(err)
	m.transition(Failed)
}

func (m *Machine) report(err error) {
	m.mu.Lock()
	f := m.onError
	m.mu.Unlock()
	if f != nil {
		f(err)
	}
}

// transition moves to next and notifies the observer. Terminal states are
// never left, except Failed to Closed.
func (m *Machine) transition(next State) {
	m.mu.Lock()
	prev := m.current
	switch {
	case prev == next, prev == Closed, prev == Failed && next != Closed:
		m.mu.Unlock()
		return
	}
	m.current = next
	f := m.onStateChange
	m.mu.Unlock()

	m.log.Infof("state %s -> %s", prev, next)
	if next.Terminal() {
		m.doneOnce.Do(func() { close(m.done) })
	}
	if f != nil {
		f(next)
	}
}
