package frps

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatedier/frp/pkg/config/types"
	configv1 "github.com/fatedier/frp/pkg/config/v1"
	"github.com/fatedier/frp/pkg/config/v1/validation"
	"github.com/pelletier/go-toml/v2"
)

// PluginPath is the management-server route frps calls back into.
const PluginPath = "/frps-plugin/handler"

const (
	pluginName = "firefrp-manager"
	configName = "frps.toml"
	configMode = 0o600
)

// Settings is the subset of server configuration the frps subprocess needs.
// User-supplied strings (token, admin password, addresses) pass through TOML
// encoding, so they may contain any characters.
type Settings struct {
	FrpVersion    string
	BindAddr      string
	BindPort      int
	AuthToken     string
	AdminAddr     string
	AdminPort     int
	AdminUser     string
	AdminPassword string
	PortStart     int
	PortEnd       int
	PluginPort    int
}

// tomlServerConfig mirrors the frps TOML schema for the fields FireFrp
// manages. Tags carry the exact camelCase keys frps expects; scalar fields
// come first so the encoder emits them before the sub-tables.
type tomlServerConfig struct {
	BindAddr          string          `toml:"bindAddr"`
	BindPort          int             `toml:"bindPort"`
	AllowPorts        []tomlPortRange `toml:"allowPorts,inline"`
	MaxPortsPerClient int             `toml:"maxPortsPerClient"`
	Auth              tomlAuth        `toml:"auth"`
	WebServer         tomlWebServer   `toml:"webServer"`
	HTTPPlugins       []tomlPlugin    `toml:"httpPlugins"`
}

type tomlPortRange struct {
	Start int `toml:"start"`
	End   int `toml:"end"`
}

type tomlAuth struct {
	Method string `toml:"method"`
	Token  string `toml:"token"`
}

type tomlWebServer struct {
	Addr     string `toml:"addr"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

type tomlPlugin struct {
	Name string   `toml:"name"`
	Addr string   `toml:"addr"`
	Path string   `toml:"path"`
	Ops  []string `toml:"ops"`
}

// Render produces the frps.toml document for s. The equivalent upstream
// ServerConfig is validated first, so a bad bind address or port range is
// caught here instead of as a subprocess boot loop.
func Render(s Settings) ([]byte, error) {
	sc := serverConfig(s)
	sc.Complete()
	if _, err := validation.ValidateServerConfig(sc); err != nil {
		return nil, fmt.Errorf("frps: invalid server config: %w", err)
	}

	doc := tomlServerConfig{
		BindAddr:          s.BindAddr,
		BindPort:          s.BindPort,
		AllowPorts:        []tomlPortRange{{Start: s.PortStart, End: s.PortEnd}},
		MaxPortsPerClient: 1,
		Auth: tomlAuth{
			Method: string(configv1.AuthMethodToken),
			Token:  s.AuthToken,
		},
		WebServer: tomlWebServer{
			Addr:     s.AdminAddr,
			Port:     s.AdminPort,
			User:     s.AdminUser,
			Password: s.AdminPassword,
		},
		HTTPPlugins: []tomlPlugin{{
			Name: pluginName,
			Addr: fmt.Sprintf("127.0.0.1:%d", s.PluginPort),
			Path: PluginPath,
			Ops:  []string{"Login", "NewProxy", "CloseProxy", "Ping"},
		}},
	}
	out, err := toml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("frps: encode config: %w", err)
	}
	return out, nil
}

func serverConfig(s Settings) *configv1.ServerConfig {
	return &configv1.ServerConfig{
		BindAddr: s.BindAddr,
		BindPort: s.BindPort,
		Auth: configv1.AuthServerConfig{
			Method: configv1.AuthMethodToken,
			Token:  s.AuthToken,
		},
		WebServer: configv1.WebServerConfig{
			Addr:     s.AdminAddr,
			Port:     s.AdminPort,
			User:     s.AdminUser,
			Password: s.AdminPassword,
		},
		AllowPorts:        []types.PortsRange{{Start: s.PortStart, End: s.PortEnd}},
		MaxPortsPerClient: 1,
		HTTPPlugins: []configv1.HTTPPluginOptions{{
			Name: pluginName,
			Addr: fmt.Sprintf("127.0.0.1:%d", s.PluginPort),
			Path: PluginPath,
			Ops:  []string{"Login", "NewProxy", "CloseProxy", "Ping"},
		}},
	}
}

// WriteConfig renders and atomically installs the subprocess config in dir
// with owner-only permissions. It returns the config file path.
func WriteConfig(dir string, s Settings) (string, error) {
	data, err := Render(s)
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, configName)
	tmp, err := os.CreateTemp(dir, configName+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("frps: create temp config: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("frps: write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("frps: close temp config: %w", err)
	}
	if err := os.Chmod(tmp.Name(), configMode); err != nil {
		return "", fmt.Errorf("frps: chmod config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("frps: install config: %w", err)
	}
	ok = true
	return path, nil
}
