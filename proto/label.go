package proto

// DefaultDataLabel is the side transport label the initiator declares
// before its offer and the responder waits for.
const DefaultDataLabel = "data"
