package transport

import (
	"context"

	"github.com/ringfs/ringfs/storage"
	"github.com/ringfs/ringfs/types"
)

// Transport is the request-response surface between ring nodes. Calls
// are stateless; implementations must be safe for concurrent use. Every
// call honors the context deadline and reports failures as
// *types.TransportError.
type Transport interface {
	// FindSuccessor asks target for its best answer for the owner of
	// key: itself when responsible, otherwise its best next hop.
	FindSuccessor(ctx context.Context, target string, key uint64, requester string) (types.Peer, error)

	// GetPredecessor returns target's predecessor, or nil when unset.
	GetPredecessor(ctx context.Context, target string) (*types.Peer, error)

	// Notify tells target that self might be its predecessor.
	Notify(ctx context.Context, target string, self types.Peer) error

	// Join asks target to locate the successor for the joining node.
	Join(ctx context.Context, target string, joiner types.Peer) (types.Peer, error)

	// Ping checks target liveness.
	Ping(ctx context.Context, target string) error

	// TransferRange pulls every file from target whose key falls in
	// (lo, hi]. The target deletes what it sent: a move, not a copy.
	TransferRange(ctx context.Context, target string, lo, hi uint64) ([]storage.File, error)

	// ForwardFile hands a blob to target for direct local storage.
	ForwardFile(ctx context.Context, target string, name string, data []byte) error

	// GetFile fetches a blob from target; types.ErrNotFound on miss.
	GetFile(ctx context.Context, target string, name string) ([]byte, error)

	// DeleteFile removes a blob on target, reporting whether one was
	// removed.
	DeleteFile(ctx context.Context, target string, name string) (bool, error)
}
