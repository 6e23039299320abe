package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/yixinin/pairup/stderr"
)

var (
	ErrChannelNotOpen   = errors.New("data channel not open")
	ErrMalformedPayload = errors.New("malformed payload")
)

type ChannelState int32

const (
	ChannelConnecting ChannelState = iota
	ChannelOpen
	ChannelClosing
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	case ChannelClosed:
		return "closed"
	}
	return "unknown"
}

func channelState(s webrtc.DataChannelState) ChannelState {
	switch s {
	case webrtc.DataChannelStateOpen:
		return ChannelOpen
	case webrtc.DataChannelStateClosing:
		return ChannelClosing
	case webrtc.DataChannelStateClosed:
		return ChannelClosed
	}
	return ChannelConnecting
}

// Payload is one message received on the side transport.
type Payload struct {
	raw []byte
}

// Raw returns the bytes exactly as the sender encoded them.
func (p Payload) Raw() []byte {
	return p.raw
}

func (p Payload) Decode(v any) error {
	return msgpack.Unmarshal(p.raw, v)
}

// Value decodes into a generic structured value.
func (p Payload) Value() (any, error) {
	var v any
	err := p.Decode(&v)
	return v, err
}

func Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// DataChannel is the side transport: structured values, msgpack on the wire,
// carried by a reliable ordered channel of the negotiated connection.
type DataChannel struct {
	raw RawChannel
	log *logrus.Entry

	mu        sync.Mutex
	state     ChannelState
	onMessage func(Payload)
	onError   func(error)
	onState   func(ChannelState)

	opened    chan struct{}
	closed    chan struct{}
	openOnce  sync.Once
	closeOnce sync.Once
}

func NewDataChannel(raw RawChannel) *DataChannel {
	d := &DataChannel{
		raw:    raw,
		log:    logrus.WithField("component", "datachannel").WithField("label", raw.Label()),
		state:  ChannelConnecting,
		opened: make(chan struct{}),
		closed: make(chan struct{}),
	}
	raw.OnOpen(func() {
		d.setState(ChannelOpen)
	})
	raw.OnClose(func() {
		d.setState(ChannelClosed)
	})
	raw.OnMessage(d.receive)

	// the channel may have opened before we were attached
	if s := channelState(raw.ReadyState()); s != ChannelConnecting {
		d.setState(s)
	}
	return d
}

func (d *DataChannel) Label() string {
	return d.raw.Label()
}

func (d *DataChannel) State() ChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *DataChannel) setState(s ChannelState) {
	d.mu.Lock()
	prev := d.state
	// closed is final; open can only follow connecting
	if prev == s || prev == ChannelClosed || (s == ChannelOpen && prev != ChannelConnecting) {
		d.mu.Unlock()
		return
	}
	d.state = s
	f := d.onState
	d.mu.Unlock()

	d.log.Infof("data channel %s -> %s", prev, s)
	switch s {
	case ChannelOpen:
		d.openOnce.Do(func() { close(d.opened) })
	case ChannelClosed:
		d.closeOnce.Do(func() { close(d.closed) })
	}
	if f != nil {
		f(s)
	}
}

// OnMessage replaces the receive callback.
func (d *DataChannel) OnMessage(f func(Payload)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessage = f
}

// OnError replaces the callback for malformed inbound payloads.
func (d *DataChannel) OnError(f func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onError = f
}

func (d *DataChannel) OnStateChange(f func(ChannelState)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onState = f
}

// Send encodes v and sends it. Nothing is queued: a channel that is not open
// returns ErrChannelNotOpen.
func (d *DataChannel) Send(v any) error {
	if d.State() != ChannelOpen {
		return ErrChannelNotOpen
	}
	data, err := Encode(v)
	if err != nil {
		return stderr.Wrap(err)
	}
	return stderr.Wrap(d.raw.Send(data))
}

func (d *DataChannel) receive(msg webrtc.DataChannelMessage) {
	d.mu.Lock()
	onMessage, onError := d.onMessage, d.onError
	d.mu.Unlock()

	if err := validate(msg.Data); err != nil {
		err = fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		d.log.Debugf("drop inbound message:%v", err)
		if onError != nil {
			onError(err)
		}
		return
	}
	if onMessage != nil {
		onMessage(Payload{raw: msg.Data})
	}
}

// validate checks data holds exactly one msgpack value.
func validate(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty message")
	}
	r := bytes.NewReader(data)
	if err := msgpack.NewDecoder(r).Skip(); err != nil {
		return err
	}
	if r.Len() > 0 {
		return errors.New("trailing bytes")
	}
	return nil
}

// WaitOpen blocks until the channel is open. It fails once the channel is
// closed or ctx ends.
func (d *DataChannel) WaitOpen(ctx context.Context) error {
	select {
	case <-d.closed:
		return ErrChannelNotOpen
	default:
	}
	select {
	case <-d.opened:
		return nil
	case <-d.closed:
		return ErrChannelNotOpen
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *DataChannel) Closed() <-chan struct{} {
	return d.closed
}

func (d *DataChannel) Close() error {
	if d.State() == ChannelClosed {
		return nil
	}
	d.setState(ChannelClosing)
	err := d.raw.Close()
	// pion fires OnClose asynchronously; don't leave callers in closing
	d.setState(ChannelClosed)
	return stderr.Wrap(err)
}
