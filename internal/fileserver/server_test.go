package fileserver_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sp1r1t/ds13/internal/fileserver"
	"github.com/sp1r1t/ds13/internal/nodeclient"
	"github.com/sp1r1t/ds13/internal/registry"
	"github.com/sp1r1t/ds13/internal/storage/local"
	"github.com/sp1r1t/ds13/internal/ticket"
	"github.com/sp1r1t/ds13/internal/transport"
	"github.com/sp1r1t/ds13/internal/wire"
)

type harness struct {
	store  *local.PebbleStorage
	auth   *ticket.Authority
	client *nodeclient.Client
	node   registry.NodeRecord
}

func startNode(t *testing.T, files map[string]string, opts ...fileserver.Option) *harness {
	t.Helper()
	logger := zap.NewNop()

	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	store := local.NewPebbleStorage(dir, "", logger)
	require.NoError(t, store.Init())
	t.Cleanup(func() { store.Close() })

	auth, err := ticket.NewAuthority("test-secret")
	require.NoError(t, err)

	// bind first so the handler knows its own port
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())

	srv := fileserver.New(store, auth, port, time.Minute, logger, opts...)
	tcp := transport.NewTCPServer("fileserver", srv, logger)
	require.NoError(t, tcp.Listen(net.JoinHostPort("127.0.0.1", strconv.Itoa(port))))
	go tcp.Serve(context.Background())
	t.Cleanup(func() { tcp.Close() })

	return &harness{
		store:  store,
		auth:   auth,
		client: nodeclient.New(logger),
		node:   registry.NodeRecord{Address: "127.0.0.1", Port: port, Online: true},
	}
}

func (h *harness) mint(t *testing.T, user, name string) wire.Ticket {
	t.Helper()
	size, version, err := h.store.Stat(name)
	require.NoError(t, err)
	nonce := uuid.NewString()
	return wire.Ticket{
		Username: user,
		Filename: name,
		Version:  version,
		Nonce:    nonce,
		Tag:      h.auth.ComputeTicketTag(nonce, user, name, version, size),
		Address:  h.node.Address,
		Port:     h.node.Port,
	}
}

func remoteMessage(t *testing.T, err error) string {
	t.Helper()
	var re *nodeclient.RemoteError
	require.ErrorAs(t, err, &re)
	return re.Message
}

func TestListInfoVersion(t *testing.T) {
	h := startNode(t, map[string]string{"a.txt": "hello", "b.txt": "x"})
	ctx := context.Background()

	names, err := h.client.List(ctx, h.node)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, names)

	size, err := h.client.Info(ctx, h.node, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	v, err := h.client.Version(ctx, h.node, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	_, err = h.client.Info(ctx, h.node, "missing")
	assert.Equal(t, fileserver.MsgNoSuchFile, remoteMessage(t, err))
}

func TestListEmptyNode(t *testing.T) {
	h := startNode(t, nil)
	names, err := h.client.List(context.Background(), h.node)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestDownloadOncePerTicket(t *testing.T) {
	h := startNode(t, map[string]string{"a.txt": "hello"})
	ctx := context.Background()
	tk := h.mint(t, "alice", "a.txt")

	content, err := h.client.Download(ctx, tk)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), content)

	_, err = h.client.Download(ctx, tk)
	assert.Equal(t, fileserver.MsgChecksumFailed, remoteMessage(t, err))

	// a second ticket for the same file state is a new purchase
	content, err = h.client.Download(ctx, h.mint(t, "alice", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), content)
}

func TestDownloadAfterVersionAdvanced(t *testing.T) {
	h := startNode(t, nil)
	ctx := context.Background()
	require.NoError(t, h.client.Upload(ctx, h.node, "x.txt", 3, []byte("v3")))
	tk := h.mint(t, "alice", "x.txt")
	require.Equal(t, 3, tk.Version)

	// same size, newer version
	require.NoError(t, h.client.Upload(ctx, h.node, "x.txt", 0, []byte("v4")))
	v, err := h.client.Version(ctx, h.node, "x.txt")
	require.NoError(t, err)
	require.Equal(t, 4, v)

	_, err = h.client.Download(ctx, tk)
	assert.Equal(t, fileserver.MsgChecksumFailed, remoteMessage(t, err))
}

func TestDownloadRejectsTampering(t *testing.T) {
	h := startNode(t, map[string]string{"a.txt": "hello"})
	ctx := context.Background()

	forged := h.mint(t, "alice", "a.txt")
	forged.Username = "bob"
	_, err := h.client.Download(ctx, forged)
	assert.Equal(t, fileserver.MsgChecksumFailed, remoteMessage(t, err))

	other := h.mint(t, "alice", "a.txt")
	other.Port = h.node.Port + 1
	other.Address = h.node.Address
	// presented to the right node but naming another one
	resp, err := h.client.Roundtrip(ctx, h.node.ID(), wire.DownloadFileRequest{Ticket: other})
	require.NoError(t, err)
	assert.Equal(t, wire.MessageResponse{Message: fileserver.MsgChecksumFailed}, resp)

	bad := h.mint(t, "alice", "a.txt")
	bad.Tag = "zz"
	resp, err = h.client.Roundtrip(ctx, h.node.ID(), wire.DownloadFileRequest{Ticket: bad})
	require.NoError(t, err)
	assert.Equal(t, wire.MessageResponse{Message: fileserver.MsgChecksumFailed}, resp)
}

func TestDownloadChecksAdvertisedHost(t *testing.T) {
	h := startNode(t, map[string]string{"a.txt": "hello"}, fileserver.WithAdvertisedHost("127.0.0.1"))
	ctx := context.Background()

	// same port, another node's address
	elsewhere := h.mint(t, "alice", "a.txt")
	elsewhere.Address = "10.0.0.9"
	resp, err := h.client.Roundtrip(ctx, h.node.ID(), wire.DownloadFileRequest{Ticket: elsewhere})
	require.NoError(t, err)
	assert.Equal(t, wire.MessageResponse{Message: fileserver.MsgChecksumFailed}, resp)

	content, err := h.client.Download(ctx, h.mint(t, "alice", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestDownloadMissingFile(t *testing.T) {
	h := startNode(t, map[string]string{"a.txt": "hello"})
	tk := h.mint(t, "alice", "a.txt")
	tk.Filename = "gone.txt"
	_, err := h.client.Download(context.Background(), tk)
	assert.Equal(t, fileserver.MsgFileNotFound, remoteMessage(t, err))
}

func TestUploadInvalidName(t *testing.T) {
	h := startNode(t, nil)
	err := h.client.Upload(context.Background(), h.node, "../escape", 0, []byte("x"))
	assert.Equal(t, fileserver.MsgInvalidFilename, remoteMessage(t, err))
}

func TestUnknownTypeKeepsConnection(t *testing.T) {
	h := startNode(t, map[string]string{"a.txt": "hello"})

	conn, err := net.Dial("tcp", h.node.ID())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, wire.WriteFrame(conn, []byte(`{"type":"format_disk"}`)))
	resp, err := wire.ReadResponse(conn)
	require.NoError(t, err)
	assert.Equal(t, wire.MessageResponse{Message: fileserver.MsgInvalidCommand}, resp)

	require.NoError(t, wire.WriteMessage(conn, wire.ListRequest{}))
	resp, err = wire.ReadResponse(conn)
	require.NoError(t, err)
	assert.Equal(t, wire.ListResponse{Filenames: []string{"a.txt"}}, resp)
}
