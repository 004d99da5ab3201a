package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sp1r1t/ds13/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 12344, cfg.Proxy.TCPPort)
	assert.Equal(t, 12345, cfg.Proxy.UDPPort)
	assert.Equal(t, 3*time.Second, cfg.Proxy.Timeout)
	assert.Equal(t, time.Second, cfg.Proxy.CheckPeriod)
	assert.Equal(t, 12350, cfg.FileServer.TCPPort)
	assert.Equal(t, 10*time.Minute, cfg.FileServer.TicketTTL)
	assert.Equal(t, "files/client", cfg.Client.DownloadDir)
	assert.True(t, cfg.UsesDefaultSecret())

	require.Len(t, cfg.Users, 2)
	assert.Equal(t, config.UserConfig{Name: "alice", Password: "12345", Credits: 200}, cfg.Users[0])
	assert.Equal(t, "bill", cfg.Users[1].Name)
}

func TestFileOverrides(t *testing.T) {
	path := writeConfig(t, `
proxy:
  tcpPort: 13000
  timeout: 5s
fileserver:
  dir: /srv/fs2
  alive: 500ms
ticket:
  secret: s3cret
users:
  - name: carol
    password: pw
    credits: 10
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 13000, cfg.Proxy.TCPPort)
	assert.Equal(t, 5*time.Second, cfg.Proxy.Timeout)
	assert.Equal(t, 12345, cfg.Proxy.UDPPort)
	assert.Equal(t, "/srv/fs2", cfg.FileServer.Dir)
	assert.Equal(t, 500*time.Millisecond, cfg.FileServer.Alive)
	assert.False(t, cfg.UsesDefaultSecret())
	assert.Equal(t, []config.UserConfig{{Name: "carol", Password: "pw", Credits: 10}}, cfg.Users)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DS13_PROXY_TCPPORT", "20000")
	t.Setenv("DS13_FILESERVER_PROXYHOST", "broker.internal")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 20000, cfg.Proxy.TCPPort)
	assert.Equal(t, "broker.internal", cfg.FileServer.ProxyHost)
}

func TestValidation(t *testing.T) {
	for name, body := range map[string]string{
		"port out of range": "proxy:\n  udpPort: 70000\n",
		"zero timeout":      "proxy:\n  timeout: 0s\n",
		"no users":          "users: []\n",
		"bad output":        "client:\n  output: xml\n",
		"user without name": "users:\n  - password: x\n    credits: 1\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
