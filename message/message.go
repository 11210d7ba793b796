// Package message defines the envelope exchanged between the bridge, its
// substrates and the router wire protocol, together with the correlation tags
// and the ROS action message layouts the bridge inspects.
//
// An Envelope is produced at ingress and consumed at egress. Ownership moves
// with the value: a hop hands the Envelope (and its Payload slice) to the next
// hop and does not touch it afterwards.
package message

// Envelope carries a single request or reply.
//
//   - On request: Key names the target (ROS name or Zenoh key expression),
//     Payload holds the CDR encoded request, Code and Error are empty.
//   - On reply: Payload holds the CDR encoded reply; Code is non-empty when
//     the call failed and Error carries the human readable reason.
type Envelope struct {
	Key     string // ROS name or Zenoh key expression
	Code    Code   // Error code, empty on success
	Error   string // Error text, empty on success
	Payload []byte // CDR bytes, including the encapsulation header
}

// Err rebuilds the typed error carried by a reply envelope.
func (e *Envelope) Err() error {
	if e.Code == "" {
		return nil
	}
	return FromWire(e.Code, e.Error)
}

// Failed builds a reply envelope carrying err.
func Failed(key string, err error) *Envelope {
	return &Envelope{
		Key:   key,
		Code:  CodeOf(err),
		Error: err.Error(),
	}
}
