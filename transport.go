package serialkit

// Transport is the byte-stream collaborator the engine sends through,
// typically a serial port. It must deliver data as-is, adding no framing of
// its own. Implementations decide whether Send blocks until the bytes are on
// the wire; the engine's state machine advances on send issuance either way.
//
// The receive direction is a push: whoever owns the transport's read loop
// feeds arriving chunks to Session.Receive, in arrival order.
type Transport interface {
	Send(data []byte) error
}

// DataHandler is the shape of a receive callback: an owner of a read loop
// invokes it once per arriving chunk. Session.Receive is a DataHandler.
type DataHandler func(chunk []byte)
