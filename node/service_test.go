package node

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/ringfs/ringfs/ring"
	"github.com/ringfs/ringfs/storage"
	"github.com/ringfs/ringfs/types"
)

// fakeTransport wires Service instances together in-process, mirroring
// what the HTTP binding does per operation. Addresses marked dead fail
// every call.
type fakeTransport struct {
	mu       sync.Mutex
	services map[string]*Service
	dead     map[string]bool
	hops     int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		services: make(map[string]*Service),
		dead:     make(map[string]bool),
	}
}

func (ft *fakeTransport) register(addr string, svc *Service) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.services[addr] = svc
}

func (ft *fakeTransport) kill(addr string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.dead[addr] = true
}

func (ft *fakeTransport) target(op, addr string) (*Service, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.dead[addr] {
		return nil, &types.TransportError{Op: op, Addr: addr, Err: xerrors.New("connection refused")}
	}
	svc, ok := ft.services[addr]
	if !ok {
		return nil, &types.TransportError{Op: op, Addr: addr, Err: xerrors.New("no such host")}
	}
	return svc, nil
}

func (ft *fakeTransport) resetHops() {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.hops = 0
}

func (ft *fakeTransport) hopCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.hops
}

func (ft *fakeTransport) FindSuccessor(_ context.Context, target string, key uint64, _ string) (types.Peer, error) {
	svc, err := ft.target("find_successor", target)
	if err != nil {
		return types.Peer{}, err
	}
	ft.mu.Lock()
	ft.hops++
	ft.mu.Unlock()
	return svc.NextHop(key), nil
}

func (ft *fakeTransport) GetPredecessor(_ context.Context, target string) (*types.Peer, error) {
	svc, err := ft.target("get_predecessor", target)
	if err != nil {
		return nil, err
	}
	if pred, ok := svc.Predecessor(); ok {
		return &pred, nil
	}
	return nil, nil
}

func (ft *fakeTransport) Notify(_ context.Context, target string, self types.Peer) error {
	svc, err := ft.target("notify", target)
	if err != nil {
		return err
	}
	svc.HandleNotify(self)
	return nil
}

func (ft *fakeTransport) Join(ctx context.Context, target string, joiner types.Peer) (types.Peer, error) {
	svc, err := ft.target("join", target)
	if err != nil {
		return types.Peer{}, err
	}
	return svc.HandleJoin(ctx, joiner)
}

func (ft *fakeTransport) Ping(_ context.Context, target string) error {
	_, err := ft.target("ping", target)
	return err
}

func (ft *fakeTransport) TransferRange(_ context.Context, target string, lo, hi uint64) ([]storage.File, error) {
	svc, err := ft.target("transfer_range", target)
	if err != nil {
		return nil, err
	}
	files, err := svc.FilesInRange(lo, hi)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}
	svc.EvictFiles(names)
	return files, nil
}

func (ft *fakeTransport) ForwardFile(_ context.Context, target string, name string, data []byte) error {
	svc, err := ft.target("forward_file", target)
	if err != nil {
		return err
	}
	return svc.SaveLocal(name, data)
}

func (ft *fakeTransport) GetFile(ctx context.Context, target string, name string) ([]byte, error) {
	svc, err := ft.target("get_file", target)
	if err != nil {
		return nil, err
	}
	return svc.Get(ctx, name)
}

func (ft *fakeTransport) DeleteFile(ctx context.Context, target string, name string) (bool, error) {
	svc, err := ft.target("delete_file", target)
	if err != nil {
		return false, err
	}
	return svc.Delete(ctx, name)
}

// newMember builds a Service with a pinned id and registers it with
// the fake transport.
func newMember(ft *fakeTransport, addr string, id uint64, bootstrap string) *Service {
	svc := New(Config{
		Address:   addr,
		Bootstrap: bootstrap,
		ID:        &id,
	}, storage.NewMemory(ring.DefaultM), ft, zerolog.Nop())
	ft.register(addr, svc)
	return svc
}

// converge drives synchronized stabilization cycles across all nodes.
func converge(t *testing.T, svcs []*Service, cycles int) {
	t.Helper()
	for i := 0; i < cycles; i++ {
		for _, s := range svcs {
			s.Stabilize(context.Background())
		}
	}
}

// nameWithKeyIn brute-forces a filename whose key falls in (lo, hi].
func nameWithKeyIn(t *testing.T, lo, hi uint64) string {
	t.Helper()
	for i := 0; i < 1_000_000; i++ {
		name := fmt.Sprintf("file-%d.txt", i)
		if ring.BetweenIncl(lo, ring.HashString(name, ring.DefaultM), hi) {
			return name
		}
	}
	t.Fatalf("no filename hashes into (%d, %d]", lo, hi)
	return ""
}

// ownerOf computes the expected owner: the first id clockwise from key.
func ownerOf(ids []uint64, key uint64) uint64 {
	sorted := append([]uint64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, id := range sorted {
		if id >= key {
			return id
		}
	}
	return sorted[0]
}

func TestBootstrapAlone(t *testing.T) {
	ft := newFakeTransport()
	a := newMember(ft, "localhost:5001", 100, "")

	info := a.Info()
	require.EqualValues(t, 100, info.ID)
	require.EqualValues(t, 100, info.SuccessorID)
	require.Nil(t, info.PredecessorID)

	// whole ring is ours: any file round-trips locally
	ctx := context.Background()
	require.NoError(t, a.Save(ctx, "foo.txt", []byte("data")))
	got, err := a.Get(ctx, "foo.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("data"), got)
}

func TestStabilizeSkippedWhenAlone(t *testing.T) {
	ft := newFakeTransport()
	a := newMember(ft, "localhost:5001", 100, "")

	a.Stabilize(context.Background())
	require.Zero(t, ft.hopCount())
}

func TestJoinAndMigration(t *testing.T) {
	ft := newFakeTransport()
	ctx := context.Background()

	a := newMember(ft, "localhost:5001", 100, "")

	// preload a file whose key lands in what will become B's range,
	// and one that stays with A
	moving := nameWithKeyIn(t, 100, 400)
	staying := nameWithKeyIn(t, 400, 100)
	require.NoError(t, a.Save(ctx, moving, []byte("moving")))
	require.NoError(t, a.Save(ctx, staying, []byte("staying")))

	b := newMember(ft, "localhost:5002", 400, "localhost:5001")
	require.NoError(t, b.Join(ctx))

	converge(t, []*Service{a, b}, 2)

	require.EqualValues(t, 400, a.Info().SuccessorID)
	require.EqualValues(t, 100, b.Info().SuccessorID)
	require.EqualValues(t, 400, *a.Info().PredecessorID)
	require.EqualValues(t, 100, *b.Info().PredecessorID)

	// the moving file lives on B now and is gone from A
	bNames, err := b.List()
	require.NoError(t, err)
	require.Contains(t, bNames, moving)

	aNames, err := a.List()
	require.NoError(t, err)
	require.NotContains(t, aNames, moving)
	require.Contains(t, aNames, staying)

	// still reachable from either entry node
	for _, entry := range []*Service{a, b} {
		got, err := entry.Get(ctx, moving)
		require.NoError(t, err)
		require.Equal(t, []byte("moving"), got)
	}
}

// threeRing builds the converged A(100), B(400), C(800) scenario ring.
func threeRing(t *testing.T) (*fakeTransport, []*Service) {
	t.Helper()
	ft := newFakeTransport()
	ctx := context.Background()

	a := newMember(ft, "localhost:5001", 100, "")
	b := newMember(ft, "localhost:5002", 400, "localhost:5001")
	require.NoError(t, b.Join(ctx))
	converge(t, []*Service{a, b}, 2)

	c := newMember(ft, "localhost:5003", 800, "localhost:5001")
	require.NoError(t, c.Join(ctx))
	converge(t, []*Service{a, b, c}, 3)

	return ft, []*Service{a, b, c}
}

func requireConverged(t *testing.T, svcs []*Service) {
	t.Helper()
	ids := make([]uint64, len(svcs))
	for i, s := range svcs {
		ids[i] = s.Self().ID
	}

	for _, s := range svcs {
		info := s.Info()
		require.Equal(t, ownerOf(ids, s.Self().ID+1), info.SuccessorID,
			"node %d successor", s.Self().ID)

		require.NotNil(t, info.PredecessorID, "node %d predecessor", s.Self().ID)
		// predecessor is the inverse of successor
		var pred *Service
		for _, other := range svcs {
			if other.Info().SuccessorID == s.Self().ID {
				pred = other
			}
		}
		require.NotNil(t, pred)
		require.Equal(t, pred.Self().ID, *info.PredecessorID)

		for i, fid := range info.FingerIDs {
			start := (s.Self().ID + (uint64(1) << uint(i))) % ring.Size(ring.DefaultM)
			require.Equal(t, ownerOf(ids, start), fid,
				"node %d finger %d (start %d)", s.Self().ID, i+1, start)
		}
	}
}

func TestThreeNodeConvergence(t *testing.T) {
	_, svcs := threeRing(t)
	requireConverged(t, svcs)
}

func TestIterativeRouting(t *testing.T) {
	ft, svcs := threeRing(t)
	a, b, c := svcs[0], svcs[1], svcs[2]
	ctx := context.Background()

	ft.resetHops()
	owner, err := a.Lookup(ctx, 750)
	require.NoError(t, err)
	require.EqualValues(t, 800, owner.ID)
	require.LessOrEqual(t, ft.hopCount(), 3)

	owner, err = c.Lookup(ctx, 150)
	require.NoError(t, err)
	require.EqualValues(t, 400, owner.ID)

	owner, err = b.Lookup(ctx, 400)
	require.NoError(t, err)
	require.EqualValues(t, 400, owner.ID)
}

// In a converged ring every lookup from every entry node lands on the
// true owner within ceil(log2(N))+1 remote hops (3 for N=3).
func TestLookupHopBound(t *testing.T) {
	ft, svcs := threeRing(t)
	ctx := context.Background()

	ids := []uint64{100, 400, 800}
	for key := uint64(0); key < ring.Size(ring.DefaultM); key += 7 {
		for _, s := range svcs {
			ft.resetHops()
			owner, err := s.Lookup(ctx, key)
			require.NoError(t, err)
			require.Equal(t, ownerOf(ids, key), owner.ID, "key %d from %d", key, s.Self().ID)
			require.LessOrEqual(t, ft.hopCount(), 3, "key %d from %d", key, s.Self().ID)
		}
	}
}

func TestUploadViaNonOwner(t *testing.T) {
	_, svcs := threeRing(t)
	a, b, c := svcs[0], svcs[1], svcs[2]
	ctx := context.Background()

	// a name owned by C, uploaded through A
	name := nameWithKeyIn(t, 400, 800)
	require.NoError(t, a.Save(ctx, name, []byte("payload")))

	cNames, err := c.List()
	require.NoError(t, err)
	require.Contains(t, cNames, name)

	// readable through a third node
	got, err := b.Get(ctx, name)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
}

func TestDeleteViaNonOwner(t *testing.T) {
	_, svcs := threeRing(t)
	a, b := svcs[0], svcs[1]
	ctx := context.Background()

	name := nameWithKeyIn(t, 400, 800)
	require.NoError(t, a.Save(ctx, name, []byte("payload")))

	removed, err := b.Delete(ctx, name)
	require.NoError(t, err)
	require.True(t, removed)

	_, err = a.Get(ctx, name)
	require.ErrorIs(t, err, types.ErrNotFound)

	removed, err = a.Delete(ctx, name)
	require.NoError(t, err)
	require.False(t, removed)
}

func TestFourthNodeFingerConvergence(t *testing.T) {
	ft, svcs := threeRing(t)
	ctx := context.Background()

	d := newMember(ft, "localhost:5004", 600, "localhost:5001")
	require.NoError(t, d.Join(ctx))

	all := append(svcs, d)
	converge(t, all, 2*ring.DefaultM)
	requireConverged(t, all)
}

func TestMigrationOnFourthJoin(t *testing.T) {
	ft, svcs := threeRing(t)
	c := svcs[2]
	ctx := context.Background()

	// a file in (400, 600] sits on C until D joins, then moves to D
	moving := nameWithKeyIn(t, 400, 600)
	keeping := nameWithKeyIn(t, 600, 800)
	require.NoError(t, c.SaveLocal(moving, []byte("m")))
	require.NoError(t, c.SaveLocal(keeping, []byte("k")))

	d := newMember(ft, "localhost:5004", 600, "localhost:5001")
	require.NoError(t, d.Join(ctx))

	dNames, err := d.List()
	require.NoError(t, err)
	require.Contains(t, dNames, moving)
	require.NotContains(t, dNames, keeping)

	cNames, err := c.List()
	require.NoError(t, err)
	require.NotContains(t, cNames, moving)
	require.Contains(t, cNames, keeping)
}

func TestStoredKeysMatchClaimRange(t *testing.T) {
	_, svcs := threeRing(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		name := fmt.Sprintf("blob-%d.bin", i)
		require.NoError(t, svcs[i%3].Save(ctx, name, []byte{byte(i)}))
	}

	for _, s := range svcs {
		pred, ok := s.Predecessor()
		require.True(t, ok)
		names, err := s.List()
		require.NoError(t, err)
		for _, name := range names {
			key := ring.HashString(name, ring.DefaultM)
			require.True(t, ring.BetweenIncl(pred.ID, key, s.Self().ID),
				"node %d holds %s (key %d) outside (%d, %d]",
				s.Self().ID, name, key, pred.ID, s.Self().ID)
		}
	}
}

func TestJoinUnreachableBootstrap(t *testing.T) {
	ft := newFakeTransport()
	b := newMember(ft, "localhost:5002", 400, "localhost:9999")

	err := b.Join(context.Background())
	require.Error(t, err)
	require.True(t, types.IsTransport(err))
	require.True(t, b.node.IsAlone())
}

func TestJoinTwiceRejected(t *testing.T) {
	ft := newFakeTransport()
	ctx := context.Background()

	newMember(ft, "localhost:5001", 100, "")
	b := newMember(ft, "localhost:5002", 400, "localhost:5001")
	require.NoError(t, b.Join(ctx))

	err := b.Join(ctx)
	require.ErrorIs(t, err, types.ErrAlreadyBootstrapped)
}

func TestLookupSurfacesTransportError(t *testing.T) {
	ft, svcs := threeRing(t)
	a := svcs[0]

	ft.kill("localhost:5002")
	ft.kill("localhost:5003")

	_, err := a.Lookup(context.Background(), 750)
	require.Error(t, err)
	require.True(t, types.IsTransport(err))
}

func TestStabilizeToleratesDeadSuccessor(t *testing.T) {
	ft, svcs := threeRing(t)
	a := svcs[0]

	ft.kill("localhost:5002")
	// must not panic or alter the successor
	a.Stabilize(context.Background())
	require.EqualValues(t, 400, a.Info().SuccessorID)
}

func TestStartStopLifecycle(t *testing.T) {
	ft := newFakeTransport()
	a := newMember(ft, "localhost:5001", 100, "")

	require.NoError(t, a.Start())
	require.ErrorIs(t, a.Start(), types.ErrAlreadyBootstrapped)
	a.Stop()
}

func TestStartJoinsThroughBootstrap(t *testing.T) {
	ft := newFakeTransport()
	a := newMember(ft, "localhost:5001", 100, "")

	b := New(Config{
		Address:         "localhost:5002",
		Bootstrap:       "localhost:5001",
		ID:              ptr(uint64(400)),
		StabilizePeriod: 10 * time.Millisecond,
		JoinRetry:       10 * time.Millisecond,
	}, storage.NewMemory(ring.DefaultM), ft, zerolog.Nop())
	ft.register("localhost:5002", b)

	require.NoError(t, b.Start())
	defer b.Stop()

	require.Eventually(t, func() bool {
		return a.Info().SuccessorID == 400 && b.Info().SuccessorID == 100
	}, 2*time.Second, 10*time.Millisecond)
}

func ptr[T any](v T) *T { return &v }
