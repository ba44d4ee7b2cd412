// Package config loads, validates, and writes the .sightline.yml
// configuration, with SIGHTLINE_* environment variables overlaid on top.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// Load reads configuration from the given YAML file, then overlays
// environment variable overrides (SIGHTLINE_*). A missing file is not an
// error; defaults apply.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("accessing config %s: %w", path, err)
	}

	// SIGHTLINE_BACKEND_URL -> backend_url, etc. Keys stay flat except the
	// hosts block, which has no env form.
	if err := k.Load(env.Provider("SIGHTLINE_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "SIGHTLINE_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to the given YAML file path.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// validHosts is the set of recognized host adapter names.
var validHosts = map[HostName]bool{
	HostGitHub:          true,
	HostGitLab:          true,
	HostBitbucketServer: true,
	HostPhabricator:     true,
}

// Validate checks that the configuration contains valid values.
func (c *Config) Validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", c.ListenPort)
	}

	if c.BackendURL == "" {
		return fmt.Errorf("backend_url is required")
	}
	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid backend_url %q", c.BackendURL)
	}

	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("allowed_origins is required: with none set no page can connect")
	}
	for _, pat := range c.AllowedOrigins {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("invalid allowed_origins pattern %q", pat)
		}
	}

	if c.ViewportMarginPx < 0 {
		return fmt.Errorf("viewport_margin_px must be non-negative")
	}
	if c.DecorationPollMs < 100 {
		return fmt.Errorf("decoration_poll_ms must be at least 100")
	}

	if len(c.Hosts.Enabled) == 0 {
		return fmt.Errorf("hosts.enabled is required")
	}
	for _, h := range c.Hosts.Enabled {
		if !validHosts[h] {
			return fmt.Errorf("invalid host %q: must be one of github, gitlab, bitbucket-server, phabricator", h)
		}
	}

	return nil
}

// HostEnabled reports whether the named adapter is switched on.
func (c *Config) HostEnabled(name HostName) bool {
	for _, h := range c.Hosts.Enabled {
		if h == name {
			return true
		}
	}
	return false
}
