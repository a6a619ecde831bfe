package node

import (
	"context"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"github.com/ringfs/ringfs/ring"
	"github.com/ringfs/ringfs/storage"
	"github.com/ringfs/ringfs/transport"
	"github.com/ringfs/ringfs/types"
)

const (
	DefaultStabilizePeriod = 2 * time.Second
	DefaultJoinRetry       = 5 * time.Second
	DefaultRPCTimeout      = 5 * time.Second
)

// Config parameterizes a Service. Zero durations fall back to the
// defaults above; zero M falls back to ring.DefaultM.
type Config struct {
	// Address is this node's routable "host:port". Its hash is the
	// node id unless ID pins one explicitly (in-process rings and the
	// fixed-id scenarios use that).
	Address string
	// Bootstrap is the address of an existing ring member to join
	// through; empty starts a new ring.
	Bootstrap       string
	M               int
	StabilizePeriod time.Duration
	JoinRetry       time.Duration
	RPCTimeout      time.Duration
	ID              *uint64
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.M == 0 {
		out.M = ring.DefaultM
	}
	if out.StabilizePeriod == 0 {
		out.StabilizePeriod = DefaultStabilizePeriod
	}
	if out.JoinRetry == 0 {
		out.JoinRetry = DefaultJoinRetry
	}
	if out.RPCTimeout == 0 {
		out.RPCTimeout = DefaultRPCTimeout
	}
	return out
}

// Service orchestrates one ring member: it owns the pure state machine,
// routes lookups iteratively over the transport, runs the background
// stabilization daemon, and serves the client file operations.
type Service struct {
	cfg   Config
	node  *ring.Node
	store storage.Backend
	tr    transport.Transport
	log   zerolog.Logger

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// New builds a Service in bootstrap state. Start launches the join
// attempt (if configured) and the stabilization daemon.
func New(cfg Config, store storage.Backend, tr transport.Transport, log zerolog.Logger) *Service {
	cfg = cfg.withDefaults()
	id := ring.HashString(cfg.Address, cfg.M)
	if cfg.ID != nil {
		id = *cfg.ID
	}
	self := types.Peer{ID: id, Addr: cfg.Address}
	return &Service{
		cfg:   cfg,
		node:  ring.NewNode(self, cfg.M),
		store: store,
		tr:    tr,
		log: log.With().
			Str("component", "node").
			Uint64("id", self.ID).
			Str("addr", self.Addr).
			Logger(),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Self returns this node's identity.
func (s *Service) Self() types.Peer {
	return s.node.Self()
}

// Predecessor returns the current predecessor, if known.
func (s *Service) Predecessor() (types.Peer, bool) {
	return s.node.Predecessor()
}

// IsResponsibleFor reports whether this node currently claims key.
func (s *Service) IsResponsibleFor(key uint64) bool {
	return s.node.IsResponsibleFor(key)
}

// HashKey maps a filename onto this ring.
func (s *Service) HashKey(name string) uint64 {
	return ring.HashString(name, s.cfg.M)
}

// Start launches the background daemon: the bootstrap join (retried
// until it succeeds) followed by the stabilization loop.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return xerrors.Errorf("start %s: %w", s.node.Self(), types.ErrAlreadyBootstrapped)
	}
	s.started = true
	go s.run()
	return nil
}

// Stop cancels the daemon and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	s.log.Info().Msg("node stopped")
}

func (s *Service) run() {
	defer close(s.done)

	if s.cfg.Bootstrap != "" {
		if !s.joinWithRetry() {
			return
		}
	}

	ticker := time.NewTicker(s.cfg.StabilizePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Stabilize(context.Background())
		}
	}
}

// joinWithRetry keeps attempting the bootstrap join until it succeeds
// or the service is stopped. The node stays up and serving meanwhile.
func (s *Service) joinWithRetry() bool {
	for {
		err := s.Join(context.Background())
		if err == nil {
			return true
		}
		s.log.Warn().Err(err).Str("bootstrap", s.cfg.Bootstrap).
			Msg("join attempt failed, retrying")
		select {
		case <-s.stop:
			return false
		case <-time.After(s.cfg.JoinRetry):
		}
	}
}

// Join performs one join handshake against the bootstrap node: learn
// our successor, seed the fingers with it, notify it, then pull the
// keys that are now ours.
func (s *Service) Join(ctx context.Context) error {
	self := s.node.Self()
	if !s.node.IsAlone() {
		return xerrors.Errorf("join %s: %w", self, types.ErrAlreadyBootstrapped)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	succ, err := s.tr.Join(callCtx, s.cfg.Bootstrap, self)
	cancel()
	if err != nil {
		return err
	}

	s.node.SetSuccessor(succ)
	s.node.FillFingers(succ)
	s.log.Info().Uint64("successor", succ.ID).Str("successor_addr", succ.Addr).
		Msg("joined ring")

	callCtx, cancel = context.WithTimeout(ctx, s.cfg.RPCTimeout)
	err = s.tr.Notify(callCtx, succ.Addr, self)
	cancel()
	if err != nil {
		return err
	}

	s.pullKeys(ctx)
	return nil
}

// pullKeys migrates inbound files from our successor: everything in
// (lo, self] where lo is our predecessor, or the successor itself when
// the lower boundary is still unknown (a fresh joiner). Intersected
// with what the successor actually holds that is exactly our new
// claim range.
func (s *Service) pullKeys(ctx context.Context) {
	self := s.node.Self()
	succ := s.node.Successor()
	if succ.Equal(self) {
		return
	}

	lo := succ.ID
	if pred, ok := s.node.Predecessor(); ok {
		lo = pred.ID
	}

	migID := xid.New().String()
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	files, err := s.tr.TransferRange(callCtx, succ.Addr, lo, self.ID)
	cancel()
	if err != nil {
		s.log.Warn().Err(err).Str("migration", migID).
			Uint64("lo", lo).Uint64("hi", self.ID).
			Msg("key migration pull failed")
		return
	}

	for _, f := range files {
		if err := s.store.Save(f.Name, f.Data); err != nil {
			s.log.Error().Err(err).Str("migration", migID).Str("file", f.Name).
				Msg("failed to store migrated file")
			continue
		}
	}
	s.log.Info().Str("migration", migID).Int("files", len(files)).
		Uint64("lo", lo).Uint64("hi", self.ID).
		Msg("key migration complete")
}

// NextHop answers a single routing step for key: self when responsible,
// the successor when key lies just past us, otherwise the closest
// preceding finger. This is what the find_successor RPC serves; the
// origin iterates on the answers.
func (s *Service) NextHop(key uint64) types.Peer {
	self := s.node.Self()
	if s.node.IsResponsibleFor(key) {
		return self
	}
	succ := s.node.Successor()
	if ring.Between(self.ID, key, succ.ID) || key == succ.ID {
		return succ
	}
	hop := s.node.ClosestPreceding(key)
	if hop.Equal(self) {
		return succ
	}
	return hop
}

// Lookup resolves the owner of key by iterative routing: walk the
// finger shortcuts, asking each hop for a better answer, until a node
// answers with itself or no further progress is possible. Hops are
// capped at M; on exhaustion the last cursor is the best answer.
func (s *Service) Lookup(ctx context.Context, key uint64) (types.Peer, error) {
	self := s.node.Self()
	if s.node.IsResponsibleFor(key) {
		return self, nil
	}
	succ := s.node.Successor()
	if ring.Between(self.ID, key, succ.ID) || key == succ.ID {
		return succ, nil
	}
	cursor := s.node.ClosestPreceding(key)
	if cursor.Equal(self) {
		return succ, nil
	}

	reqID := xid.New().String()
	maxHops := s.cfg.M
	for hop := 0; hop < maxHops; hop++ {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
		r, err := s.tr.FindSuccessor(callCtx, cursor.Addr, key, self.Addr)
		cancel()
		if err != nil {
			s.log.Debug().Err(err).Str("lookup", reqID).Uint64("key", key).
				Int("hop", hop).Msg("lookup hop failed")
			return types.Peer{}, err
		}
		if r.ID == key || r.Equal(cursor) {
			return r, nil
		}
		cursor = r
	}
	s.log.Debug().Str("lookup", reqID).Uint64("key", key).
		Uint64("cursor", cursor.ID).Msg("lookup hop cap reached")
	return cursor, nil
}

// HandleJoin serves a join request: if alone the joiner becomes our
// successor and we are its; if the joiner splits the edge to our
// successor it takes our old successor; otherwise the owner of the
// joiner's id is found by routing.
func (s *Service) HandleJoin(ctx context.Context, joiner types.Peer) (types.Peer, error) {
	self := s.node.Self()
	if joiner.Equal(self) {
		return types.Peer{}, xerrors.Errorf("join of %s into itself: %w", joiner, types.ErrInvalidArgument)
	}

	if s.node.IsAlone() {
		s.node.SetSuccessor(joiner)
		s.log.Info().Uint64("joiner", joiner.ID).Msg("first peer joined, ring of two")
		return self, nil
	}

	succ := s.node.Successor()
	if ring.Between(self.ID, joiner.ID, succ.ID) {
		s.node.SetSuccessor(joiner)
		s.log.Info().Uint64("joiner", joiner.ID).Uint64("old_successor", succ.ID).
			Msg("joiner splits successor edge")
		return succ, nil
	}

	return s.Lookup(ctx, joiner.ID)
}

// HandleNotify serves a peer's predecessor claim. Migration is not
// triggered here: files flow to the new predecessor, which pulls them
// itself after its notify is acknowledged.
func (s *Service) HandleNotify(candidate types.Peer) {
	if s.node.Notify(candidate) {
		s.log.Info().Uint64("predecessor", candidate.ID).
			Str("predecessor_addr", candidate.Addr).Msg("adopted predecessor")
	}
}

// Stabilize runs one cycle of the stabilization protocol: learn the
// successor's predecessor and adopt it when it sits between us, notify
// the successor, then refresh every finger. A failed successor query
// ends the cycle; a failed notify or finger lookup is logged and the
// cycle goes on. The next tick retries.
func (s *Service) Stabilize(ctx context.Context) {
	self := s.node.Self()
	succ := s.node.Successor()
	if succ.Equal(self) {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	x, err := s.tr.GetPredecessor(callCtx, succ.Addr)
	cancel()
	if err != nil {
		s.log.Debug().Err(err).Uint64("successor", succ.ID).
			Msg("stabilize: successor unreachable")
		return
	}
	if x != nil && s.node.ShouldUpdateSuccessor(*x) {
		s.node.SetSuccessor(*x)
		s.log.Debug().Uint64("successor", x.ID).Msg("stabilize: updated successor")
	}

	callCtx, cancel = context.WithTimeout(ctx, s.cfg.RPCTimeout)
	err = s.tr.Notify(callCtx, s.node.Successor().Addr, self)
	cancel()
	if err != nil {
		s.log.Debug().Err(err).Msg("stabilize: notify failed")
	}

	s.refreshFingers(ctx)
}

// refreshFingers resolves the successor of every finger start by
// iterative lookup from self. A failed slot is skipped; the next cycle
// retries it.
func (s *Service) refreshFingers(ctx context.Context) {
	for _, target := range s.node.RefreshTargets() {
		owner, err := s.Lookup(ctx, target.Start)
		if err != nil {
			s.log.Debug().Err(err).Int("finger", target.Index).
				Uint64("start", target.Start).Msg("finger refresh failed")
			continue
		}
		s.node.UpdateFinger(target.Index, owner)
	}
}

// Save stores a file on its owner: locally when this node is
// responsible, otherwise forwarded to the owner found by routing.
func (s *Service) Save(ctx context.Context, name string, data []byte) error {
	key := s.HashKey(name)
	if s.node.IsResponsibleFor(key) {
		return s.store.Save(name, data)
	}
	owner, err := s.Lookup(ctx, key)
	if err != nil {
		return err
	}
	if owner.Equal(s.node.Self()) {
		return s.store.Save(name, data)
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()
	return s.tr.ForwardFile(callCtx, owner.Addr, name, data)
}

// Get fetches a file from its owner.
func (s *Service) Get(ctx context.Context, name string) ([]byte, error) {
	key := s.HashKey(name)
	if s.node.IsResponsibleFor(key) {
		return s.store.Get(name)
	}
	owner, err := s.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if owner.Equal(s.node.Self()) {
		return s.store.Get(name)
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()
	return s.tr.GetFile(callCtx, owner.Addr, name)
}

// Delete removes a file on its owner, reporting whether one existed.
func (s *Service) Delete(ctx context.Context, name string) (bool, error) {
	key := s.HashKey(name)
	if s.node.IsResponsibleFor(key) {
		return s.store.Delete(name)
	}
	owner, err := s.Lookup(ctx, key)
	if err != nil {
		return false, err
	}
	if owner.Equal(s.node.Self()) {
		return s.store.Delete(name)
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()
	return s.tr.DeleteFile(callCtx, owner.Addr, name)
}

// List returns the files held by this node. Listings are local by
// design; the ring has no global index.
func (s *Service) List() ([]string, error) {
	return s.store.List()
}

// SaveLocal stores a blob directly, skipping owner resolution. Serves
// the forward_file RPC: the sender already routed to us.
func (s *Service) SaveLocal(name string, data []byte) error {
	return s.store.Save(name, data)
}

// FilesInRange returns the local files whose keys fall in (lo, hi].
// Serves the transfer_range RPC.
func (s *Service) FilesInRange(lo, hi uint64) ([]storage.File, error) {
	return s.store.ScanRange(lo, hi)
}

// EvictFiles deletes local blobs after an outbound migration: a
// transfer is a move, not a copy.
func (s *Service) EvictFiles(names []string) {
	for _, name := range names {
		if _, err := s.store.Delete(name); err != nil {
			s.log.Error().Err(err).Str("file", name).
				Msg("failed to evict migrated file")
		}
	}
	if len(names) > 0 {
		s.log.Info().Int("files", len(names)).Msg("evicted migrated files")
	}
}

// Info is a full snapshot of the node's ring state.
type Info struct {
	ID              uint64
	Address         string
	SuccessorID     uint64
	SuccessorAddr   string
	PredecessorID   *uint64
	PredecessorAddr *string
	FingerIDs       []uint64
}

// Info snapshots the node state for inspection.
func (s *Service) Info() Info {
	self := s.node.Self()
	succ := s.node.Successor()
	info := Info{
		ID:            self.ID,
		Address:       self.Addr,
		SuccessorID:   succ.ID,
		SuccessorAddr: succ.Addr,
		FingerIDs:     s.node.FingerIDs(),
	}
	if pred, ok := s.node.Predecessor(); ok {
		info.PredecessorID = &pred.ID
		info.PredecessorAddr = &pred.Addr
	}
	return info
}
