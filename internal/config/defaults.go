package config

// DefaultAllowedOrigins covers the hosted instances of the supported code
// hosts. Self-hosted deployments add their own domains.
var DefaultAllowedOrigins = []string{
	"github.com",
	"*.github.com",
	"gitlab.com",
	"localhost",
}

// DefaultConfig returns a Config with sensible defaults. The cache path is
// empty, which means the raw-content cache lives in memory.
func DefaultConfig() *Config {
	return &Config{
		ListenPort:       7080,
		BackendURL:       "http://localhost:3080",
		AllowedOrigins:   DefaultAllowedOrigins,
		ViewportMarginPx: 250,
		DecorationPollMs: 5000,
		Hosts: HostsConfig{
			Enabled: []HostName{HostGitHub, HostGitLab, HostBitbucketServer, HostPhabricator},
		},
	}
}
