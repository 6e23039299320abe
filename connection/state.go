package connection

type State int32

const (
	Idle State = iota
	OfferSent
	AnswerSent
	Connected
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OfferSent:
		return "offer-sent"
	case AnswerSent:
		return "answer-sent"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Terminal states drop every negotiation message.
func (s State) Terminal() bool {
	return s == Failed || s == Closed
}
