package cmd

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sightline-dev/sightline/internal/backend"
	"github.com/sightline-dev/sightline/internal/config"
	"github.com/sightline-dev/sightline/internal/hosts"
)

// loadConfig loads and validates the configuration from cfgFile.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		log.SetOutput(f)
	}
	return cfg, nil
}

// buildRegistry assembles the adapter registry for the hosts enabled in the
// configuration.
func buildRegistry(cfg *config.Config) (*hosts.Registry, error) {
	var adapters []*hosts.Adapter
	for _, h := range cfg.Hosts.Enabled {
		switch h {
		case config.HostGitHub:
			adapters = append(adapters, hosts.GitHub())
		case config.HostGitLab:
			adapters = append(adapters, hosts.GitLab())
		case config.HostBitbucketServer:
			adapters = append(adapters, hosts.BitbucketServer())
		case config.HostPhabricator:
			adapters = append(adapters, hosts.Phabricator(cfg.Hosts.PhabricatorCallsigns))
		}
	}
	return hosts.NewRegistry(adapters...)
}

// newBackend builds the backend client, with the raw-content cache on disk
// when a path is configured and in memory otherwise.
func newBackend(cfg *config.Config) (*backend.Client, *backend.Cache, error) {
	var (
		cache *backend.Cache
		err   error
	)
	if cfg.CachePath != "" {
		cache, err = backend.OpenCache(cfg.CachePath)
	} else {
		cache, err = backend.OpenMemoryCache()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("opening content cache: %w", err)
	}

	opts := []backend.Option{
		backend.WithCache(cache),
		backend.WithPollInterval(time.Duration(cfg.DecorationPollMs) * time.Millisecond),
	}
	if cfg.BackendToken != "" {
		opts = append(opts, backend.WithToken(cfg.BackendToken))
	}
	client, err := backend.New(cfg.BackendURL, opts...)
	if err != nil {
		cache.Close()
		return nil, nil, fmt.Errorf("creating backend client: %w", err)
	}
	return client, cache, nil
}
