package connection_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yixinin/pairup/connection"
	"github.com/yixinin/pairup/connection/conntest"
	"github.com/yixinin/pairup/proto"
	"github.com/yixinin/pairup/relay"
)

// bus is a relay the test delivers by hand, in whatever order it likes.
type bus struct {
	mu    sync.Mutex
	queue []proto.Message
	seq   int
	fail  func(proto.Message) error
}

type busSender struct {
	bus  *bus
	role proto.Role
}

func (s busSender) Send(ctx context.Context, msg proto.Message) error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	msg.From = s.role
	if s.bus.fail != nil {
		if err := s.bus.fail(msg); err != nil {
			return err
		}
	}
	s.bus.seq++
	msg.Id = fmt.Sprintf("m%d", s.bus.seq)
	s.bus.queue = append(s.bus.queue, msg)
	return nil
}

func (b *bus) sender(role proto.Role) connection.Sender {
	return busSender{bus: b, role: role}
}

// take removes the message chosen by pick; pick gets the queue snapshot.
func (b *bus) take(pick func([]proto.Message) int) (proto.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return proto.Message{}, false
	}
	i := pick(b.queue)
	msg := b.queue[i]
	b.queue = append(b.queue[:i], b.queue[i+1:]...)
	return msg, true
}

func (b *bus) sent(kind proto.Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.queue {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

func (b *bus) messages(kind proto.Kind) []proto.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var msgs []proto.Message
	for _, m := range b.queue {
		if m.Kind == kind {
			msgs = append(msgs, m)
		}
	}
	return msgs
}

type counter struct {
	mu     sync.Mutex
	states []connection.State
}

func (c *counter) observe(s connection.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, s)
}

func (c *counter) count(s connection.State) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, st := range c.states {
		if st == s {
			n++
		}
	}
	return n
}

type side struct {
	m      *connection.Machine
	pc     *conntest.Conn
	states *counter
}

func newSide(t *testing.T, role proto.Role, pc *conntest.Conn, sender connection.Sender) *side {
	m := connection.NewMachine(role, pc, sender)
	s := &side{m: m, pc: pc, states: new(counter)}
	m.OnStateChange(s.states.observe)
	t.Cleanup(func() { m.Close() })
	return s
}

func newPair(t *testing.T) (*bus, *side, *side) {
	b := new(bus)
	a, c := conntest.Pair()
	return b, newSide(t, proto.Initiator, a, b.sender(proto.Initiator)), newSide(t, proto.Responder, c, b.sender(proto.Responder))
}

func deliver(msg proto.Message, sides ...*side) {
	for _, s := range sides {
		if msg.AddressedTo(s.m.Role()) {
			s.m.Handle(msg)
		}
	}
}

// drive delivers bus messages with pick until both sides are connected and
// the bus stays empty.
func drive(t *testing.T, b *bus, pick func([]proto.Message) int, dup bool, sides ...*side) {
	deadline := time.Now().Add(5 * time.Second)
	idle := 0
	for time.Now().Before(deadline) {
		msg, ok := b.take(pick)
		if !ok {
			done := true
			for _, s := range sides {
				if s.m.State() != connection.Connected || s.pc.ConnectionState() != webrtc.PeerConnectionStateConnected {
					done = false
				}
			}
			if done {
				idle++
				if idle > 20 {
					return
				}
			}
			time.Sleep(time.Millisecond)
			continue
		}
		idle = 0
		deliver(msg, sides...)
		if dup {
			deliver(msg, sides...)
		}
	}
	t.Fatalf("not connected: %s / %s", sides[0].m.State(), sides[1].m.State())
}

func fifo([]proto.Message) int { return 0 }

func lifo(q []proto.Message) int { return len(q) - 1 }

func candidatesFirst(q []proto.Message) int {
	for i, m := range q {
		if m.Kind == proto.KindIceCandidate {
			return i
		}
	}
	return 0
}

func candidatesLast(q []proto.Message) int {
	for i, m := range q {
		if m.Kind != proto.KindIceCandidate {
			return i
		}
	}
	return 0
}

func random(seed int64) func([]proto.Message) int {
	r := rand.New(rand.NewSource(seed))
	return func(q []proto.Message) int { return r.Intn(len(q)) }
}

func TestHandshakeOrderings(t *testing.T) {
	picks := map[string]func([]proto.Message) int{
		"fifo":             fifo,
		"lifo":             lifo,
		"candidates first": candidatesFirst,
		"candidates last":  candidatesLast,
	}
	for seed := int64(1); seed <= 10; seed++ {
		picks[fmt.Sprintf("random %d", seed)] = random(seed)
	}
	for name, pick := range picks {
		for _, dup := range []bool{false, true} {
			pick, dup := pick, dup
			t.Run(fmt.Sprintf("%s dup=%v", name, dup), func(t *testing.T) {
				b, ini, resp := newPair(t)
				require.NoError(t, resp.m.Start(context.Background()))
				require.NoError(t, ini.m.Start(context.Background()))

				drive(t, b, pick, dup, ini, resp)

				assert.Equal(t, 1, ini.states.count(connection.Connected))
				assert.Equal(t, 1, resp.states.count(connection.Connected))
				assert.Equal(t, 0, ini.states.count(connection.Failed))
				assert.Equal(t, 0, resp.states.count(connection.Failed))
				assert.Len(t, distinct(ini.pc.RemoteCandidates()), 2)
				assert.Len(t, distinct(resp.pc.RemoteCandidates()), 2)
			})
		}
	}
}

func distinct(cands []webrtc.ICECandidateInit) map[string]struct{} {
	set := make(map[string]struct{})
	for _, c := range cands {
		set[c.Candidate] = struct{}{}
	}
	return set
}

func collect(errs chan error) func(error) {
	return func(err error) {
		select {
		case errs <- err:
		default:
		}
	}
}

func TestInitiatorOfferOnReady(t *testing.T) {
	b, ini, resp := newPair(t)
	require.NoError(t, resp.m.Start(context.Background()))
	assert.Equal(t, connection.Idle, resp.m.State())

	ready, ok := b.take(fifo)
	require.True(t, ok)
	assert.Equal(t, proto.KindReady, ready.Kind)
	assert.Equal(t, proto.To(proto.Initiator), ready.To)

	ini.m.Handle(ready)
	require.Eventually(t, func() bool { return ini.m.State() == connection.OfferSent }, time.Second, time.Millisecond)
	assert.Equal(t, 1, b.sent(proto.KindOffer))

	// a second ready is a duplicate
	ini.m.Handle(ready)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, b.sent(proto.KindOffer))
}

func TestNewReadyResendsOffer(t *testing.T) {
	b, ini, resp := newPair(t)
	ready := proto.Message{Id: "r1", Kind: proto.KindReady, From: proto.Responder, To: proto.To(proto.Initiator)}
	ini.m.Handle(ready)
	require.Eventually(t, func() bool {
		return b.sent(proto.KindOffer) == 1 && b.sent(proto.KindIceCandidate) == 2
	}, time.Second, time.Millisecond)

	// the same ready again is a duplicate
	ini.m.Handle(ready)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, b.sent(proto.KindOffer))

	// a fresh ready means the responder never saw the offer
	ready.Id = "r2"
	ini.m.Handle(ready)
	require.Eventually(t, func() bool {
		return b.sent(proto.KindOffer) == 2 && b.sent(proto.KindIceCandidate) == 4
	}, time.Second, time.Millisecond)
	offers := b.messages(proto.KindOffer)
	assert.Equal(t, offers[0].Payload, offers[1].Payload)
	assert.Equal(t, connection.OfferSent, ini.m.State())
	assert.Equal(t, 1, ini.states.count(connection.OfferSent))

	drive(t, b, fifo, false, ini, resp)
	assert.Equal(t, 1, resp.states.count(connection.AnswerSent))

	// answered: no more offers
	ready.Id = "r3"
	ini.m.Handle(ready)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, b.sent(proto.KindOffer))
}

func TestDuplicateOfferIgnored(t *testing.T) {
	b, ini, resp := newPair(t)
	ini.m.Handle(proto.Message{Id: "r", Kind: proto.KindReady, From: proto.Responder, To: proto.To(proto.Initiator)})
	require.Eventually(t, func() bool { return b.sent(proto.KindOffer) == 1 }, time.Second, time.Millisecond)

	offer, ok := b.take(func(q []proto.Message) int {
		for i, m := range q {
			if m.Kind == proto.KindOffer {
				return i
			}
		}
		t.Fatal("no offer")
		return 0
	})
	require.True(t, ok)

	resp.m.Handle(offer)
	require.Eventually(t, func() bool { return resp.m.State() == connection.AnswerSent }, time.Second, time.Millisecond)

	resp.m.Handle(offer)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, connection.AnswerSent, resp.m.State())
	assert.Equal(t, 1, b.sent(proto.KindAnswer))
	assert.Equal(t, 0, resp.states.count(connection.Failed))
}

func TestOrphanAnswerDiscarded(t *testing.T) {
	_, ini, _ := newPair(t)
	errs := make(chan error, 1)
	ini.m.OnError(collect(errs))

	answer, err := proto.SdpMessage(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}, proto.Initiator)
	require.NoError(t, err)
	answer.From = proto.Responder
	ini.m.Handle(answer)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, connection.Idle, ini.m.State())
	assert.Empty(t, ini.states.states)
	assert.Empty(t, errs)
}

func TestWrongRoleMessagesDiscarded(t *testing.T) {
	b, ini, resp := newPair(t)
	offer, err := proto.SdpMessage(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, proto.Responder)
	require.NoError(t, err)
	offer.From = proto.Responder
	offer.To = proto.ToAll
	ini.m.Handle(offer)
	resp.m.Handle(offer)
	resp.m.Handle(proto.Message{Kind: proto.KindReady, From: proto.Initiator, To: proto.ToAll})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, connection.Idle, ini.m.State())
	assert.Equal(t, connection.Idle, resp.m.State())
	assert.Equal(t, 0, b.sent(proto.KindAnswer))
	assert.Equal(t, 0, b.sent(proto.KindOffer))
}

func TestEarlyCandidatesQueued(t *testing.T) {
	b, ini, resp := newPair(t)
	cand, err := proto.CandidateMessage(webrtc.ICECandidateInit{Candidate: "candidate:early 1 udp 1 10.1.1.1 1 typ host"})
	require.NoError(t, err)
	cand.From = proto.Initiator
	resp.m.Handle(cand)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, resp.pc.RemoteCandidates())

	require.NoError(t, resp.m.Start(context.Background()))
	drive(t, b, fifo, false, ini, resp)

	var got []string
	for _, c := range resp.pc.RemoteCandidates() {
		got = append(got, c.Candidate)
	}
	assert.Contains(t, got, "candidate:early 1 udp 1 10.1.1.1 1 typ host")
}

func TestConnectionFailure(t *testing.T) {
	b, ini, resp := newPair(t)
	require.NoError(t, resp.m.Start(context.Background()))
	drive(t, b, fifo, false, ini, resp)

	errs := make(chan error, 1)
	resp.m.OnError(collect(errs))
	resp.pc.SetState(webrtc.PeerConnectionStateFailed)

	select {
	case <-resp.m.Done():
	case <-time.After(time.Second):
		t.Fatal("not failed")
	}
	assert.Equal(t, connection.Failed, resp.m.State())
	assert.ErrorIs(t, <-errs, connection.ErrConnectionFailed)

	// terminal: nothing moves it but Close
	offer, err := proto.SdpMessage(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, proto.Responder)
	require.NoError(t, err)
	offer.From = proto.Initiator
	resp.m.Handle(offer)
	resp.pc.SetState(webrtc.PeerConnectionStateConnected)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, connection.Failed, resp.m.State())

	require.NoError(t, resp.m.Close())
	assert.Equal(t, connection.Closed, resp.m.State())
}

func TestOfferSendFailureFails(t *testing.T) {
	b, ini, _ := newPair(t)
	b.fail = func(m proto.Message) error {
		if m.Kind == proto.KindOffer {
			return errors.New("relay down")
		}
		return nil
	}
	errs := make(chan error, 4)
	ini.m.OnError(collect(errs))

	ini.m.Handle(proto.Message{Kind: proto.KindReady, From: proto.Responder, To: proto.To(proto.Initiator)})
	select {
	case <-ini.m.Done():
	case <-time.After(time.Second):
		t.Fatal("not failed")
	}
	assert.Equal(t, connection.Failed, ini.m.State())
	assert.ErrorContains(t, <-errs, "relay down")
}

func TestCandidateSendFailureReported(t *testing.T) {
	b, ini, resp := newPair(t)
	var failures atomic.Int32
	b.fail = func(m proto.Message) error {
		if m.Kind == proto.KindIceCandidate && m.From == proto.Initiator && failures.Add(1) == 1 {
			return errors.New("relay hiccup")
		}
		return nil
	}
	errs := make(chan error, 4)
	ini.m.OnError(collect(errs))

	require.NoError(t, resp.m.Start(context.Background()))
	drive(t, b, fifo, false, ini, resp)

	assert.ErrorContains(t, <-errs, "relay hiccup")
	assert.Equal(t, connection.Connected, ini.m.State())
}

func TestSetRemoteFailureFails(t *testing.T) {
	b, ini, resp := newPair(t)
	resp.pc.SetRemoteErr = errors.New("bad sdp")
	ini.m.Handle(proto.Message{Kind: proto.KindReady, From: proto.Responder, To: proto.To(proto.Initiator)})
	require.Eventually(t, func() bool { return b.sent(proto.KindOffer) == 1 }, time.Second, time.Millisecond)

	offer, _ := b.take(func(q []proto.Message) int {
		for i, m := range q {
			if m.Kind == proto.KindOffer {
				return i
			}
		}
		return 0
	})
	resp.m.Handle(offer)
	require.Eventually(t, func() bool { return resp.m.State() == connection.Failed }, time.Second, time.Millisecond)
}

func TestCloseIdempotent(t *testing.T) {
	_, ini, _ := newPair(t)
	require.NoError(t, ini.m.Close())
	require.NoError(t, ini.m.Close())
	assert.Equal(t, connection.Closed, ini.m.State())
	assert.True(t, ini.pc.Closed())
	assert.Equal(t, 1, ini.states.count(connection.Closed))

	assert.ErrorIs(t, ini.m.Start(context.Background()), connection.ErrMachineClosed)
	ini.m.Handle(proto.Message{Kind: proto.KindReady, From: proto.Responder, To: proto.To(proto.Initiator)})
	assert.Equal(t, connection.Closed, ini.m.State())
}

func TestCloseFromCallback(t *testing.T) {
	b, ini, resp := newPair(t)
	resp.m.OnStateChange(func(s connection.State) {
		if s == connection.AnswerSent {
			resp.m.Close()
		}
	})
	require.NoError(t, resp.m.Start(context.Background()))

	deadline := time.Now().Add(time.Second)
	for resp.m.State() != connection.Closed && time.Now().Before(deadline) {
		if msg, ok := b.take(fifo); ok {
			deliver(msg, ini, resp)
		}
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, connection.Closed, resp.m.State())
}

func TestRetain(t *testing.T) {
	_, ini, resp := newPair(t)
	ready := proto.Message{Kind: proto.KindReady, From: proto.Responder, To: proto.To(proto.Initiator)}
	offer := proto.Message{Kind: proto.KindOffer, From: proto.Initiator, To: proto.To(proto.Responder)}
	assert.True(t, ini.m.Retain(ready))
	assert.False(t, ini.m.Retain(offer))
	assert.False(t, resp.m.Retain(ready))
	assert.False(t, resp.m.Retain(offer))
}

// Both machines over the in-memory relay, responder first.
func TestOverMemoryRelay(t *testing.T) {
	ctx := context.Background()
	store := relay.NewMemoryStore()
	a, c := conntest.Pair()

	respRelay := relay.NewClient(store)
	resp := newSide(t, proto.Responder, c, respRelay)
	require.NoError(t, respRelay.Init(ctx, "room", proto.Responder, resp.m.Handle))
	defer respRelay.Close()
	require.NoError(t, resp.m.Start(ctx))

	initRelay := relay.NewClient(store, relay.WithRetain(func(m proto.Message) bool {
		return m.Kind == proto.KindReady
	}))
	ini := newSide(t, proto.Initiator, a, initRelay)
	require.NoError(t, initRelay.Init(ctx, "room", proto.Initiator, ini.m.Handle))
	defer initRelay.Close()

	require.Eventually(t, func() bool {
		return ini.m.State() == connection.Connected && resp.m.State() == connection.Connected
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return store.Len("room") == 0 }, time.Second, 5*time.Millisecond)
}
