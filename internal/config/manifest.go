package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// BackgroundServerName is the manifest entry the command relay connects to.
const BackgroundServerName = "background"

// Manifest is the on-disk mcp.json describing reachable MCP servers.
type Manifest struct {
	Servers map[string]ServerConfig `json:"mcpServers"`
}

// ServerConfig describes how to reach one MCP server: either a remote
// websocket transport or a local command speaking MCP over stdio.
type ServerConfig struct {
	Transport *TransportConfig  `json:"transport,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Enabled   *bool             `json:"enabled,omitempty"`
}

type TransportConfig struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// ManifestResult is the merge of every manifest source found.
type ManifestResult struct {
	Servers map[string]ServerConfig
	Order   []string
	Sources []string
}

// EnabledValue reports whether the server should be used; absent means yes.
func (s ServerConfig) EnabledValue() bool {
	return s.Enabled == nil || *s.Enabled
}

// IsWebSocket reports whether the entry uses the websocket transport.
func (s ServerConfig) IsWebSocket() bool {
	return s.Transport != nil && strings.EqualFold(s.Transport.Type, "websocket") && s.Transport.URL != ""
}

// Lookup returns the named enabled server.
func (r ManifestResult) Lookup(name string) (ServerConfig, bool) {
	s, ok := r.Servers[name]
	if !ok || !s.EnabledValue() {
		return ServerConfig{}, false
	}
	return s, true
}

// LoadManifest reads MCP_CONFIG_PATH when set; otherwise it merges the
// workspace manifest (./.page-companion/mcp.json) with the user manifest
// ($XDG_CONFIG_HOME/page-companion/mcp.json), user entries winning.
func LoadManifest() (ManifestResult, error) {
	result := ManifestResult{Servers: make(map[string]ServerConfig)}

	if override := os.Getenv("MCP_CONFIG_PATH"); override != "" {
		path, err := expandPath(override)
		if err != nil {
			return result, err
		}
		if err := result.add(path); err != nil {
			return result, err
		}
		result.finalize()
		return result, nil
	}

	for _, locate := range []func() (string, error){workspaceManifestPath, userManifestPath} {
		path, err := locate()
		if err != nil {
			return result, err
		}
		if err := result.add(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return result, err
		}
	}
	result.finalize()
	return result, nil
}

func (r *ManifestResult) add(path string) error {
	m, err := readManifest(path)
	if err != nil {
		return err
	}
	for name, cfg := range m.Servers {
		r.Servers[name] = normalizeConfig(cfg)
	}
	r.Sources = append(r.Sources, path)
	return nil
}

func (r *ManifestResult) finalize() {
	r.Order = r.Order[:0]
	for name := range r.Servers {
		r.Order = append(r.Order, name)
	}
	sort.Strings(r.Order)
}

func normalizeConfig(cfg ServerConfig) ServerConfig {
	expand := func(v string) string {
		if out, err := expandPath(v); err == nil {
			return out
		}
		return v
	}
	if cfg.Args != nil {
		args := make([]string, len(cfg.Args))
		for i, a := range cfg.Args {
			args[i] = expand(a)
		}
		cfg.Args = args
	}
	cfg.Command = expand(cfg.Command)
	if len(cfg.Env) > 0 {
		env := make(map[string]string, len(cfg.Env))
		for k, v := range cfg.Env {
			env[k] = expand(v)
		}
		cfg.Env = env
	}
	if cfg.Transport != nil {
		t := *cfg.Transport
		t.URL = expand(t.URL)
		cfg.Transport = &t
	}
	return cfg
}

func readManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if m.Servers == nil {
		m.Servers = make(map[string]ServerConfig)
	}
	return m, nil
}

func workspaceManifestPath() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, ".page-companion", "mcp.json"), nil
}

func userManifestPath() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "page-companion", "mcp.json"), nil
}

func expandPath(value string) (string, error) {
	if !strings.HasPrefix(value, "~") {
		return value, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return value, err
	}
	if value == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(value[1:], "/")), nil
}
