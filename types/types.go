package types

import (
	"errors"
	"fmt"
)

// Peer identifies a node on the ring. ID is the node's position in the
// identifier space; Addr is an opaque routable "host:port" string used
// only as a routing hint.
type Peer struct {
	ID   uint64
	Addr string
}

// Equal reports peer identity. Two peers are the same node iff their
// ids match; addresses are not compared.
func (p Peer) Equal(other Peer) bool {
	return p.ID == other.ID
}

func (p Peer) String() string {
	return fmt.Sprintf("%d@%s", p.ID, p.Addr)
}

var (
	// ErrNotFound reports a storage miss. A lookup that reaches its hop
	// cap does not report it; Lookup returns its last cursor instead.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument reports a bad filename, id, or malformed body.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAlreadyBootstrapped reports a join attempt by a node that is
	// already part of a ring.
	ErrAlreadyBootstrapped = errors.New("already bootstrapped")
)

// TransportError wraps any inter-node RPC failure: connect errors,
// deadlines, non-2xx responses. It is never fatal; stabilization skips
// the cycle and client routes surface it to the caller.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
