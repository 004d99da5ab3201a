package coordinator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/sp1r1t/ds13/internal/coordinator"
	"github.com/sp1r1t/ds13/internal/ledger"
	"github.com/sp1r1t/ds13/internal/registry"
	"github.com/sp1r1t/ds13/internal/ticket"
)

type storedFile struct {
	content []byte
	version int
}

// fakeNodes is an in-memory NodeClient keyed by node id.
type fakeNodes struct {
	mu       sync.Mutex
	files    map[string]map[string]storedFile
	down     map[string]bool
	rejectUp map[string]bool
	failInfo map[string]bool
}

func newFakeNodes() *fakeNodes {
	return &fakeNodes{
		files:    map[string]map[string]storedFile{},
		down:     map[string]bool{},
		rejectUp: map[string]bool{},
		failInfo: map[string]bool{},
	}
}

func (f *fakeNodes) put(id, name string, size int, version int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files[id] == nil {
		f.files[id] = map[string]storedFile{}
	}
	f.files[id][name] = storedFile{content: make([]byte, size), version: version}
}

func (f *fakeNodes) has(id, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[id][name]
	return ok
}

func (f *fakeNodes) List(_ context.Context, n registry.NodeRecord) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[n.ID()] {
		return nil, errors.New("connection refused")
	}
	var names []string
	for name := range f.files[n.ID()] {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeNodes) Info(_ context.Context, n registry.NodeRecord, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInfo[n.ID()] {
		return 0, errors.New("connection reset by peer")
	}
	sf, ok := f.files[n.ID()][name]
	if !ok {
		return 0, errors.New("file does not exist")
	}
	return int64(len(sf.content)), nil
}

func (f *fakeNodes) Version(_ context.Context, n registry.NodeRecord, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sf, ok := f.files[n.ID()][name]
	if !ok {
		return 0, errors.New("file does not exist")
	}
	return sf.version, nil
}

func (f *fakeNodes) Upload(_ context.Context, n registry.NodeRecord, name string, version int, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectUp[n.ID()] {
		return errors.New("disk full")
	}
	if f.files[n.ID()] == nil {
		f.files[n.ID()] = map[string]storedFile{}
	}
	f.files[n.ID()][name] = storedFile{content: content, version: version}
	return nil
}

type fixture struct {
	reg    *registry.Registry
	ledger *ledger.Ledger
	auth   *ticket.Authority
	nodes  *fakeNodes
	coord  *coordinator.Coordinator
}

func newFixture(t *testing.T, users map[string]int64, nodeHosts ...string) *fixture {
	t.Helper()
	logger := zap.NewNop()
	reg := registry.New(3*time.Second, logger)
	for _, h := range nodeHosts {
		reg.ReportHeartbeat(h, 12350)
	}
	l := ledger.New(logger, ledger.WithBcryptCost(bcrypt.MinCost))
	for name, credits := range users {
		require.NoError(t, l.AddUser(name, "pw", credits))
		require.NoError(t, l.Login(name, "pw", "session-"+name))
	}
	auth, err := ticket.NewAuthority("test-secret")
	require.NoError(t, err)
	nodes := newFakeNodes()
	return &fixture{
		reg:    reg,
		ledger: l,
		auth:   auth,
		nodes:  nodes,
		coord:  coordinator.New(reg, l, auth, nodes, logger),
	}
}

func id(host string) string { return registry.NodeID(host, 12350) }

func usage(t *testing.T, reg *registry.Registry, host string) int64 {
	t.Helper()
	n, ok := reg.Lookup(id(host))
	require.True(t, ok)
	return n.Usage
}

func TestIssueTicketPicksLeastUsedHolder(t *testing.T) {
	fx := newFixture(t, map[string]int64{"alice": 1500}, "A", "B", "C")
	require.NoError(t, fx.reg.RecordUsage(id("B"), 50))
	require.NoError(t, fx.reg.RecordUsage(id("C"), 10))
	fx.nodes.put(id("A"), "other.txt", 3, 0)
	fx.nodes.put(id("B"), "report.pdf", 1000, 2)
	fx.nodes.put(id("C"), "report.pdf", 1000, 2)

	tk, err := fx.coord.IssueDownloadTicket(context.Background(), "report.pdf", "alice")
	require.NoError(t, err)

	assert.Equal(t, "C", tk.Address)
	assert.Equal(t, 12350, tk.Port)
	assert.Equal(t, "report.pdf", tk.Filename)
	assert.Equal(t, 2, tk.Version)
	assert.NotEmpty(t, tk.Nonce)
	assert.True(t, fx.auth.VerifyTicketTag(tk.Tag, tk.Nonce, "alice", "report.pdf", 2, 1000))

	credits, err := fx.ledger.Credits("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(500), credits)
	assert.Equal(t, int64(1010), usage(t, fx.reg, "C"))
	assert.Equal(t, int64(50), usage(t, fx.reg, "B"))
	assert.Equal(t, int64(0), usage(t, fx.reg, "A"))
}

func TestIssueTicketTieGoesToFirstRegistered(t *testing.T) {
	fx := newFixture(t, map[string]int64{"alice": 100}, "A", "B")
	fx.nodes.put(id("A"), "f", 1, 0)
	fx.nodes.put(id("B"), "f", 1, 0)

	tk, err := fx.coord.IssueDownloadTicket(context.Background(), "f", "alice")
	require.NoError(t, err)
	assert.Equal(t, "A", tk.Address)

	// A now has usage 1, so B wins next
	tk, err = fx.coord.IssueDownloadTicket(context.Background(), "f", "alice")
	require.NoError(t, err)
	assert.Equal(t, "B", tk.Address)
}

func TestIssueTicketInsufficientCredits(t *testing.T) {
	fx := newFixture(t, map[string]int64{"bob": 5}, "A")
	fx.nodes.put(id("A"), "big.iso", 1000, 0)

	_, err := fx.coord.IssueDownloadTicket(context.Background(), "big.iso", "bob")
	assert.ErrorIs(t, err, coordinator.ErrInsufficientCredits)

	credits, _ := fx.ledger.Credits("bob")
	assert.Equal(t, int64(5), credits)
	assert.Zero(t, usage(t, fx.reg, "A"))
}

func TestIssueTicketHolderFailsAfterListing(t *testing.T) {
	fx := newFixture(t, map[string]int64{"alice": 100}, "A")
	fx.nodes.put(id("A"), "f", 10, 0)
	fx.nodes.failInfo[id("A")] = true

	_, err := fx.coord.IssueDownloadTicket(context.Background(), "f", "alice")
	assert.ErrorIs(t, err, coordinator.ErrNodeUnavailable)

	credits, _ := fx.ledger.Credits("alice")
	assert.Equal(t, int64(100), credits)
	assert.Zero(t, usage(t, fx.reg, "A"))
}

func TestIssueTicketNotFound(t *testing.T) {
	fx := newFixture(t, map[string]int64{"alice": 100}, "A")
	_, err := fx.coord.IssueDownloadTicket(context.Background(), "missing", "alice")
	assert.ErrorIs(t, err, coordinator.ErrNotFound)
}

func TestIssueTicketIgnoresOfflineHolders(t *testing.T) {
	fx := newFixture(t, map[string]int64{"alice": 100}, "A")
	fx.nodes.put(id("A"), "f", 1, 0)
	fx.reg.AdvanceClock(fx.reg.Timeout())

	_, err := fx.coord.IssueDownloadTicket(context.Background(), "f", "alice")
	assert.ErrorIs(t, err, coordinator.ErrNotFound)
}

func TestListAllFilesUnionAndUnreachableNode(t *testing.T) {
	fx := newFixture(t, nil, "A", "B", "C")
	fx.nodes.put(id("A"), "a.txt", 1, 0)
	fx.nodes.put(id("A"), "shared.txt", 1, 0)
	fx.nodes.put(id("B"), "shared.txt", 1, 0)
	fx.nodes.put(id("C"), "c.txt", 1, 0)
	fx.nodes.down[id("C")] = true

	files := fx.coord.ListAllFiles(context.Background())
	assert.Equal(t, []string{"a.txt", "shared.txt"}, files)

	// unreachable but still online: only heartbeats decide
	n, _ := fx.reg.Lookup(id("C"))
	assert.True(t, n.Online)
}

func TestBroadcastUploadCreditsTwiceSize(t *testing.T) {
	fx := newFixture(t, map[string]int64{"alice": 10}, "A", "B")

	credits, err := fx.coord.BroadcastUpload(context.Background(), "new.txt", 0, []byte("hello"), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(20), credits)
	assert.True(t, fx.nodes.has(id("A"), "new.txt"))
	assert.True(t, fx.nodes.has(id("B"), "new.txt"))
}

func TestBroadcastUploadPartialFailureNoRollback(t *testing.T) {
	fx := newFixture(t, map[string]int64{"alice": 10}, "A", "B")
	fx.nodes.rejectUp[id("B")] = true

	_, err := fx.coord.BroadcastUpload(context.Background(), "new.txt", 0, []byte("hello"), "alice")
	assert.ErrorIs(t, err, coordinator.ErrUploadFailed)

	credits, _ := fx.ledger.Credits("alice")
	assert.Equal(t, int64(10), credits)
	// the accepted copy stays
	assert.True(t, fx.nodes.has(id("A"), "new.txt"))
	assert.False(t, fx.nodes.has(id("B"), "new.txt"))
}

func TestBroadcastUploadNoNodes(t *testing.T) {
	fx := newFixture(t, map[string]int64{"alice": 10})
	_, err := fx.coord.BroadcastUpload(context.Background(), "new.txt", 0, []byte("x"), "alice")
	assert.ErrorIs(t, err, coordinator.ErrNoNodesAvailable)
}

func TestConcurrentIssuanceUnderLock(t *testing.T) {
	fx := newFixture(t, map[string]int64{"alice": 1000, "bob": 1000}, "A")
	fx.nodes.put(id("A"), "f", 30, 0)

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		issued int64
	)
	for i := 0; i < 100; i++ {
		user := "alice"
		if i%2 == 1 {
			user = "bob"
		}
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			if _, err := fx.coord.IssueDownloadTicket(context.Background(), "f", user); err == nil {
				issued += 30
			} else {
				assert.ErrorIs(t, err, coordinator.ErrInsufficientCredits)
			}
		}(user)
	}
	wg.Wait()

	assert.Equal(t, issued, usage(t, fx.reg, "A"))
	for _, u := range []string{"alice", "bob"} {
		c, _ := fx.ledger.Credits(u)
		assert.GreaterOrEqual(t, c, int64(0))
		assert.Equal(t, int64(10), c)
	}
}
