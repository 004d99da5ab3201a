package nodeclient_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sp1r1t/ds13/internal/nodeclient"
	"github.com/sp1r1t/ds13/internal/registry"
	"github.com/sp1r1t/ds13/internal/transport"
	"github.com/sp1r1t/ds13/internal/wire"
)

// cannedNode answers every request with reply.
func cannedNode(t *testing.T, reply wire.Response) registry.NodeRecord {
	t.Helper()
	srv := transport.NewTCPServer("canned", transport.ConnHandlerFunc(func(_ context.Context, conn net.Conn) {
		if _, err := wire.ReadRequest(conn); err != nil {
			return
		}
		wire.WriteMessage(conn, reply)
	}), zap.NewNop())
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	go srv.Serve(context.Background())
	t.Cleanup(func() { srv.Close() })

	host, port, err := net.SplitHostPort(srv.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return registry.NodeRecord{Address: host, Port: p, Online: true}
}

func TestUploadAcknowledged(t *testing.T) {
	node := cannedNode(t, wire.MessageResponse{Message: wire.UploadOK})
	c := nodeclient.New(zap.NewNop())
	assert.NoError(t, c.Upload(context.Background(), node, "a.txt", 0, []byte("x")))
}

func TestUploadRejections(t *testing.T) {
	tests := []struct {
		name  string
		reply wire.Response
		check func(t *testing.T, err error)
	}{
		{
			name:  "upload failed",
			reply: wire.MessageResponse{Message: "Upload failed"},
			check: func(t *testing.T, err error) {
				var re *nodeclient.RemoteError
				require.ErrorAs(t, err, &re)
				assert.Equal(t, "Upload failed", re.Message)
			},
		},
		{
			name:  "invalid filename",
			reply: wire.MessageResponse{Message: "invalid filename"},
			check: func(t *testing.T, err error) {
				var re *nodeclient.RemoteError
				require.ErrorAs(t, err, &re)
				assert.Equal(t, "invalid filename", re.Message)
			},
		},
		{
			name:  "wrong message type",
			reply: wire.ListResponse{Filenames: []string{"a.txt"}},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, nodeclient.ErrUnexpectedResponse)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := cannedNode(t, tt.reply)
			c := nodeclient.New(zap.NewNop())
			err := c.Upload(context.Background(), node, "a.txt", 0, []byte("x"))
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestQueriesReportRemoteErrors(t *testing.T) {
	node := cannedNode(t, wire.MessageResponse{Message: "File does not exist"})
	c := nodeclient.New(zap.NewNop())
	ctx := context.Background()

	_, err := c.Info(ctx, node, "a.txt")
	var re *nodeclient.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "File does not exist", re.Message)

	_, err = c.Version(ctx, node, "a.txt")
	require.ErrorAs(t, err, &re)

	_, err = c.List(ctx, node)
	require.ErrorAs(t, err, &re)
}

func TestUnreachableNode(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().(*net.TCPAddr)
	require.NoError(t, lis.Close())

	c := nodeclient.New(zap.NewNop(), nodeclient.WithTimeouts(200*time.Millisecond, time.Second))
	_, err = c.List(context.Background(), registry.NodeRecord{Address: "127.0.0.1", Port: addr.Port})
	assert.Error(t, err)
}
