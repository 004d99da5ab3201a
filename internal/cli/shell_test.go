package cli_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sp1r1t/ds13/internal/cli"
	"github.com/sp1r1t/ds13/internal/ledger"
	"github.com/sp1r1t/ds13/internal/nodeclient"
	"github.com/sp1r1t/ds13/internal/output"
	"github.com/sp1r1t/ds13/internal/registry"
)

func run(t *testing.T, input string, cmds ...cli.Command) string {
	t.Helper()
	var out bytes.Buffer
	sh := cli.New("test", strings.NewReader(input), &out, zap.NewNop())
	sh.Register(cmds...)
	require.NoError(t, sh.Run(context.Background()))
	return out.String()
}

func TestShellDispatch(t *testing.T) {
	var got []string
	echo := cli.Command{
		Name:    "echo",
		Usage:   "<word>",
		MinArgs: 1,
		Run: func(_ context.Context, args []string) (string, error) {
			got = append(got, args...)
			return "said " + args[0], nil
		},
	}

	out := run(t, "!echo hi\n\n!echo\nplain text\n!nope\n!exit\n!echo never\n", echo)

	assert.Equal(t, []string{"hi"}, got)
	assert.Contains(t, out, "said hi")
	assert.Contains(t, out, "usage: !echo <word>")
	assert.Contains(t, out, "invalid command")
	assert.Contains(t, out, "unknown command !nope")
	assert.NotContains(t, out, "never")
}

func TestShellStopsAtEOF(t *testing.T) {
	out := run(t, "!help\n", cli.Command{Name: "ping", Usage: "", Run: func(context.Context, []string) (string, error) {
		return "pong", nil
	}})
	assert.Contains(t, out, "!ping")
	assert.Contains(t, out, "!exit")
}

func TestShellPrintsRemoteMessages(t *testing.T) {
	fail := cli.Command{Name: "credits", Run: func(context.Context, []string) (string, error) {
		return "", &nodeclient.RemoteError{Message: "Login first."}
	}}
	out := run(t, "!credits\n", fail)
	assert.Contains(t, out, "Login first.")
}

type fakeView struct{}

func (fakeView) Nodes() []registry.NodeRecord {
	return []registry.NodeRecord{{Address: "10.0.0.1", Port: 12350, Online: true, Usage: 42}}
}

func (fakeView) Users() []ledger.UserInfo {
	return []ledger.UserInfo{{Name: "alice", Online: false, Credits: 200}}
}

func TestProxyCommands(t *testing.T) {
	out := run(t, "!fileservers\n!users\n", cli.ProxyCommands(fakeView{}, output.NewFormatter("table"))...)
	assert.Contains(t, out, "ADDRESS")
	assert.Contains(t, out, "10.0.0.1")
	assert.Contains(t, out, "42")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "200")
}
