package frps

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings() Settings {
	return Settings{
		FrpVersion:    "0.53.2",
		BindAddr:      "0.0.0.0",
		BindPort:      7000,
		AuthToken:     "secret-token",
		AdminAddr:     "127.0.0.1",
		AdminPort:     7500,
		AdminUser:     "admin",
		AdminPassword: "admin-pass",
		PortStart:     10000,
		PortEnd:       10100,
		PluginPort:    8080,
	}
}

func TestRenderShape(t *testing.T) {
	out, err := Render(testSettings())
	require.NoError(t, err)
	text := string(out)

	assert.Contains(t, text, "bindAddr = ")
	assert.Contains(t, text, "bindPort = 7000")
	assert.Contains(t, text, "maxPortsPerClient = 1")
	assert.Contains(t, text, "allowPorts = ")
	assert.Contains(t, text, "[auth]")
	assert.Contains(t, text, "[webServer]")
	assert.Contains(t, text, "[[httpPlugins]]")

	var doc tomlServerConfig
	require.NoError(t, toml.Unmarshal(out, &doc))
	assert.Equal(t, "0.0.0.0", doc.BindAddr)
	assert.Equal(t, 7000, doc.BindPort)
	assert.Equal(t, []tomlPortRange{{Start: 10000, End: 10100}}, doc.AllowPorts)
	assert.Equal(t, 1, doc.MaxPortsPerClient)
	assert.Equal(t, "token", doc.Auth.Method)
	assert.Equal(t, "secret-token", doc.Auth.Token)
	assert.Equal(t, "admin-pass", doc.WebServer.Password)
	require.Len(t, doc.HTTPPlugins, 1)
	assert.Equal(t, "firefrp-manager", doc.HTTPPlugins[0].Name)
	assert.Equal(t, "127.0.0.1:8080", doc.HTTPPlugins[0].Addr)
	assert.Equal(t, "/frps-plugin/handler", doc.HTTPPlugins[0].Path)
	assert.Equal(t, []string{"Login", "NewProxy", "CloseProxy", "Ping"}, doc.HTTPPlugins[0].Ops)
}

func TestRenderEscapesHostileStrings(t *testing.T) {
	s := testSettings()
	s.AuthToken = "a\"b\\c\nd\re\tf"
	s.AdminPassword = "p\"w\\d"

	out, err := Render(s)
	require.NoError(t, err)

	var doc tomlServerConfig
	require.NoError(t, toml.Unmarshal(out, &doc))
	assert.Equal(t, s.AuthToken, doc.Auth.Token)
	assert.Equal(t, s.AdminPassword, doc.WebServer.Password)

	// The newline in the token must be escaped, never emitted raw: every
	// physical line of the document has to stay parseable on its own.
	for _, line := range strings.Split(string(out), "\n") {
		assert.NotEqual(t, "d", strings.TrimSpace(line), "raw newline leaked into the document")
	}
}

func TestRenderRejectsInvalidPorts(t *testing.T) {
	s := testSettings()
	s.BindPort = -1

	_, err := Render(s)
	assert.Error(t, err)
}

func TestWriteConfigOwnerOnly(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteConfig(dir, testSettings())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "frps.toml"), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Rewriting replaces the file atomically and leaves no temp droppings.
	_, err = WriteConfig(dir, testSettings())
	require.NoError(t, err)
	leftovers, err := filepath.Glob(filepath.Join(dir, "frps.toml.tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}
