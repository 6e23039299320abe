package connection

import (
	"github.com/pion/webrtc/v3"
	"github.com/yixinin/pairup/proto"
	"github.com/yixinin/pairup/stderr"
)

// negotiator holds the role specific half of the transition table. All
// methods run on the machine loop.
type negotiator interface {
	role() proto.Role
	start(m *Machine) error
	handle(m *Machine, msg proto.Message)
	// retain reports whether msg survives the relay purge at init.
	retain(msg proto.Message) bool
}

func newNegotiator(role proto.Role) negotiator {
	switch role {
	case proto.Initiator:
		return &initiator{}
	case proto.Responder:
		return &responder{}
	}
	panic("unexpect role " + string(role))
}

type initiator struct {
	offer *webrtc.SessionDescription
	// id of the ready the current offer answers
	ready string
}

func (initiator) role() proto.Role {
	return proto.Initiator
}

// start is a no-op: the initiator waits for ready.
func (initiator) start(m *Machine) error {
	return nil
}

func (initiator) retain(msg proto.Message) bool {
	return msg.Kind == proto.KindReady && msg.AddressedTo(proto.Initiator)
}

func (n *initiator) handle(m *Machine, msg proto.Message) {
	switch msg.Kind {
	case proto.KindReady:
		n.onReady(m, msg)
	case proto.KindAnswer:
		n.onAnswer(m, msg)
	default:
		m.discard(msg, "not accepted by initiator")
	}
}

// onReady offers on the first ready. A new ready while the offer is still
// unanswered means the responder purged it, so the same offer and the
// candidates gathered so far are sent again.
func (n *initiator) onReady(m *Machine, msg proto.Message) {
	switch {
	case m.state() == Idle:
	case m.state() == OfferSent && !m.remoteSet && n.offer != nil && msg.Id != n.ready:
		n.ready = msg.Id
		n.resend(m)
		return
	default:
		m.log.Debugf("ready ignored in %s", m.state())
		return
	}

	offer, err := m.pc.CreateOffer(nil)
	if err != nil {
		m.fail(stderr.Wrap(err))
		return
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		m.fail(stderr.Wrap(err))
		return
	}
	reply, err := proto.SdpMessage(offer, proto.Responder)
	if err != nil {
		m.fail(stderr.Wrap(err))
		return
	}
	if err := m.send(reply); err != nil {
		m.fail(err)
		return
	}
	n.offer = &offer
	n.ready = msg.Id
	m.transition(OfferSent)
}

func (n *initiator) resend(m *Machine) {
	m.log.Info("responder asked again, resend offer")
	reply, err := proto.SdpMessage(*n.offer, proto.Responder)
	if err != nil {
		m.fail(stderr.Wrap(err))
		return
	}
	if err := m.send(reply); err != nil {
		m.fail(err)
		return
	}
	for _, c := range m.localCandidates {
		m.sendCandidate(c)
	}
}

func (n *initiator) onAnswer(m *Machine, msg proto.Message) {
	if m.state() != OfferSent || m.remoteSet {
		m.discard(msg, "no outstanding offer")
		return
	}
	answer, err := msg.Sdp()
	if err != nil {
		m.discard(msg, err.Error())
		return
	}
	if err := m.pc.SetRemoteDescription(answer); err != nil {
		m.fail(stderr.Wrap(err))
		return
	}
	m.remoteSet = true
	m.flushCandidates()
	m.transition(Connected)
}

type responder struct{}

func (responder) role() proto.Role {
	return proto.Responder
}

func (responder) start(m *Machine) error {
	if m.state() != Idle {
		return nil
	}
	msg, err := proto.NewMessage(proto.KindReady, proto.To(proto.Initiator), nil)
	if err != nil {
		return stderr.Wrap(err)
	}
	if err := m.send(msg); err != nil {
		m.fail(err)
		return err
	}
	return nil
}

func (responder) retain(msg proto.Message) bool {
	return false
}

func (n *responder) handle(m *Machine, msg proto.Message) {
	switch msg.Kind {
	case proto.KindOffer:
		n.onOffer(m, msg)
	default:
		m.discard(msg, "not accepted by responder")
	}
}

func (n *responder) onOffer(m *Machine, msg proto.Message) {
	if m.remoteSet || m.state() != Idle {
		m.discard(msg, "remote offer already recorded")
		return
	}
	offer, err := msg.Sdp()
	if err != nil {
		m.discard(msg, err.Error())
		return
	}
	if err := m.pc.SetRemoteDescription(offer); err != nil {
		m.fail(stderr.Wrap(err))
		return
	}
	m.remoteSet = true
	m.flushCandidates()

	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		m.fail(stderr.Wrap(err))
		return
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		m.fail(stderr.Wrap(err))
		return
	}
	reply, err := proto.SdpMessage(answer, proto.Initiator)
	if err != nil {
		m.fail(stderr.Wrap(err))
		return
	}
	if err := m.send(reply); err != nil {
		m.fail(err)
		return
	}
	m.transition(AnswerSent)
}
