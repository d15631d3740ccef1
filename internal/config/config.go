// Package config loads and persists the server configuration file
// (config.json). User files are merged against the built-in schema on load:
// missing keys are filled with defaults, unrecognized keys are moved under a
// "deprecated" bucket instead of being dropped, and the migrated result is
// written back. Runtime mutations (allowed groups, update channel) persist
// through the same atomic-write path.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// Insecure placeholder values shipped in the default config. Operating with
// these unchanged is flagged at startup.
const (
	PlaceholderAuthToken     = "please-change-this-token"
	PlaceholderAdminPassword = "admin"
)

// UpdateChannels are the valid values for updates.channel.
var UpdateChannels = []string{"auto", "dev", "stable"}

// ErrBadChannel is returned when an update channel is not one of
// auto/dev/stable.
var ErrBadChannel = errors.New("config: invalid update channel")

// File is the serialized configuration shape.
type File struct {
	ServerPort     int        `json:"serverPort"`
	FrpVersion     string     `json:"frpVersion"`
	Server         ServerNode `json:"server"`
	Frps           Frps       `json:"frps"`
	PortRangeStart int        `json:"portRangeStart"`
	PortRangeEnd   int        `json:"portRangeEnd"`
	KeyTTLMinutes  int        `json:"keyTtlMinutes"`
	KeyPrefix      string     `json:"keyPrefix"`
	Updates        Updates    `json:"updates"`
	Bot            Bot        `json:"bot"`

	// Deprecated collects config keys that are no longer part of the schema.
	// They are preserved across rewrites so downgrade paths keep working.
	Deprecated map[string]any `json:"deprecated,omitempty"`
}

// ServerNode identifies this node in server-info responses.
type ServerNode struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PublicAddr  string `json:"publicAddr"`
	Description string `json:"description"`
}

// Frps holds the tunables passed to the supervised frps subprocess.
type Frps struct {
	BindAddr      string `json:"bindAddr"`
	BindPort      int    `json:"bindPort"`
	AuthToken     string `json:"authToken"`
	AdminAddr     string `json:"adminAddr"`
	AdminPort     int    `json:"adminPort"`
	AdminUser     string `json:"adminUser"`
	AdminPassword string `json:"adminPassword"`
}

// Updates selects the release stream for self-updates.
type Updates struct {
	Channel     string `json:"channel"` // "auto", "dev", "stable"
	GithubToken string `json:"githubToken"`
}

// Bot configures the chat-gateway transport and its ACLs.
type Bot struct {
	WsURL           string   `json:"wsUrl"`
	Token           string   `json:"token"`
	SelfID          string   `json:"selfId"`
	BroadcastGroups []string `json:"broadcastGroups"`
	AdminUsers      []string `json:"adminUsers"`
	AllowedGroups   []string `json:"allowedGroups"`
}

// Default returns the built-in schema with example values.
func Default() File {
	return File{
		ServerPort: 8080,
		FrpVersion: "0.53.2",
		Server: ServerNode{
			ID:          "firefrp-01",
			Name:        "FireFrp 节点",
			PublicAddr:  "127.0.0.1",
			Description: "",
		},
		Frps: Frps{
			BindAddr:      "0.0.0.0",
			BindPort:      7000,
			AuthToken:     PlaceholderAuthToken,
			AdminAddr:     "127.0.0.1",
			AdminPort:     7500,
			AdminUser:     "admin",
			AdminPassword: PlaceholderAdminPassword,
		},
		PortRangeStart: 10000,
		PortRangeEnd:   10100,
		KeyTTLMinutes:  120,
		KeyPrefix:      "ff-",
		Updates:        Updates{Channel: "auto"},
		Bot: Bot{
			WsURL:           "ws://127.0.0.1:3001",
			BroadcastGroups: []string{},
			AdminUsers:      []string{},
			AllowedGroups:   []string{},
		},
	}
}

// Config is the live configuration handle. Reads and runtime mutations are
// safe from any goroutine.
//
// The zero value is not usable — create instances with Load.
type Config struct {
	path string
	log  *zap.Logger

	mu   sync.RWMutex
	file File
}

// Load reads path, merges it against the schema, and persists the merged
// result when it differs from what was on disk. A missing file is created
// with the defaults.
func Load(path string, logger *zap.Logger) (*Config, error) {
	c := &Config{path: path, log: logger.Named("config")}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		c.file = Default()
		if err := c.save(); err != nil {
			return nil, err
		}
		c.log.Info("wrote default config, review before exposing the server",
			zap.String("path", path))
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		merged, changed, err := mergeWithSchema(raw)
		if err != nil {
			return nil, err
		}
		c.file = merged
		if changed {
			if err := c.save(); err != nil {
				return nil, err
			}
			c.log.Info("config migrated to current schema", zap.String("path", path))
		}
	}

	if err := c.file.validate(); err != nil {
		return nil, err
	}
	for _, w := range c.Warnings() {
		c.log.Warn(w)
	}
	return c, nil
}

func (f *File) validate() error {
	switch {
	case f.ServerPort <= 0 || f.ServerPort > 65535:
		return fmt.Errorf("config: serverPort %d out of range", f.ServerPort)
	case f.PortRangeStart <= 0 || f.PortRangeEnd > 65535 || f.PortRangeStart > f.PortRangeEnd:
		return fmt.Errorf("config: port range [%d, %d] invalid", f.PortRangeStart, f.PortRangeEnd)
	case f.KeyTTLMinutes < 5:
		return fmt.Errorf("config: keyTtlMinutes %d below minimum of 5", f.KeyTTLMinutes)
	case !slices.Contains(UpdateChannels, f.Updates.Channel):
		return fmt.Errorf("%w: %q", ErrBadChannel, f.Updates.Channel)
	}
	return nil
}

// mergeWithSchema merges the user's raw JSON against the default schema.
// Unknown keys (at any depth) are collected under the deprecated bucket,
// preserving their nesting. changed reports whether the merged form differs
// from what was read.
func mergeWithSchema(raw []byte) (File, bool, error) {
	var user map[string]any
	if err := json.Unmarshal(raw, &user); err != nil {
		return File{}, false, fmt.Errorf("config: parse: %w", err)
	}

	schema := toMap(Default())

	// The deprecated bucket is carried forward, never treated as unknown.
	carried, _ := user["deprecated"].(map[string]any)
	delete(user, "deprecated")

	merged, unknown := mergeMaps(schema, user)
	deprecated := mergeDeprecated(carried, unknown)
	if len(deprecated) > 0 {
		merged["deprecated"] = deprecated
	}

	out, err := fromMap(merged)
	if err != nil {
		return File{}, false, err
	}

	var prev File
	changed := json.Unmarshal(raw, &prev) != nil || !equalJSON(prev, out)
	return out, changed, nil
}

// mergeMaps overlays user onto schema. Keys present in both recurse when both
// sides are maps; keys only in schema keep the default; keys only in user are
// returned as unknown.
func mergeMaps(schema, user map[string]any) (merged, unknown map[string]any) {
	merged = make(map[string]any, len(schema))
	unknown = make(map[string]any)

	for k, dv := range schema {
		uv, ok := user[k]
		if !ok {
			merged[k] = dv
			continue
		}
		dm, dIsMap := dv.(map[string]any)
		um, uIsMap := uv.(map[string]any)
		if dIsMap && uIsMap {
			sub, subUnknown := mergeMaps(dm, um)
			merged[k] = sub
			if len(subUnknown) > 0 {
				unknown[k] = subUnknown
			}
			continue
		}
		merged[k] = uv
	}
	for k, uv := range user {
		if _, ok := schema[k]; !ok {
			unknown[k] = uv
		}
	}
	return merged, unknown
}

// mergeDeprecated deep-merges fresh unknown keys into the carried bucket.
// Fresh values win on conflict.
func mergeDeprecated(carried, fresh map[string]any) map[string]any {
	if len(carried) == 0 {
		return fresh
	}
	out := make(map[string]any, len(carried)+len(fresh))
	for k, v := range carried {
		out[k] = v
	}
	for k, fv := range fresh {
		cm, cIsMap := out[k].(map[string]any)
		fm, fIsMap := fv.(map[string]any)
		if cIsMap && fIsMap {
			out[k] = mergeDeprecated(cm, fm)
			continue
		}
		out[k] = fv
	}
	return out
}

func toMap(f File) map[string]any {
	data, _ := json.Marshal(f)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return m
}

func fromMap(m map[string]any) (File, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return File{}, fmt.Errorf("config: remarshal: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("config: merged form invalid: %w", err)
	}
	return f, nil
}

func equalJSON(a, b File) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

// save writes the current file atomically with owner-only permissions.
// Callers hold c.mu or own c exclusively.
func (c *Config) save() error {
	data, err := json.MarshalIndent(c.file, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("config: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("config: rename temp file: %w", err)
	}
	success = true
	return nil
}

// Get returns a snapshot copy of the configuration.
func (c *Config) Get() File {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f := c.file
	f.Bot.BroadcastGroups = slices.Clone(f.Bot.BroadcastGroups)
	f.Bot.AdminUsers = slices.Clone(f.Bot.AdminUsers)
	f.Bot.AllowedGroups = slices.Clone(f.Bot.AllowedGroups)
	return f
}

// Warnings lists insecure settings that should not survive into production.
func (c *Config) Warnings() []string {
	var out []string
	if c.file.Frps.AuthToken == PlaceholderAuthToken {
		out = append(out, "frps.authToken is the insecure default; set a strong token")
	}
	if c.file.Frps.AdminPassword == PlaceholderAdminPassword {
		out = append(out, "frps.adminPassword is the insecure default; set a strong password")
	}
	return out
}

// AllowedGroups returns the group ACL. Empty means every group is allowed.
func (c *Config) AllowedGroups() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.file.Bot.AllowedGroups)
}

// IsGroupAllowed applies the allowed-groups ACL.
func (c *Config) IsGroupAllowed(groupID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.file.Bot.AllowedGroups) == 0 ||
		slices.Contains(c.file.Bot.AllowedGroups, groupID)
}

// IsAdmin reports whether the chat user is an administrator.
func (c *Config) IsAdmin(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Contains(c.file.Bot.AdminUsers, userID)
}

// UpdateChannel returns the configured release channel.
func (c *Config) UpdateChannel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file.Updates.Channel
}

// SetAllowedGroups replaces the group ACL and persists. The in-memory value
// is rolled back when the write fails.
func (c *Config) SetAllowedGroups(groups []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.file.Bot.AllowedGroups
	c.file.Bot.AllowedGroups = slices.Clone(groups)
	if err := c.save(); err != nil {
		c.file.Bot.AllowedGroups = prev
		return err
	}
	return nil
}

// SetUpdateChannel switches the release channel and persists, with the same
// rollback contract as SetAllowedGroups.
func (c *Config) SetUpdateChannel(channel string) error {
	if !slices.Contains(UpdateChannels, channel) {
		return fmt.Errorf("%w: %q", ErrBadChannel, channel)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.file.Updates.Channel
	c.file.Updates.Channel = channel
	if err := c.save(); err != nil {
		c.file.Updates.Channel = prev
		return err
	}
	return nil
}
