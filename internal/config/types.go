package config

// HostName identifies a supported code host adapter.
type HostName string

const (
	HostGitHub          HostName = "github"
	HostGitLab          HostName = "gitlab"
	HostBitbucketServer HostName = "bitbucket-server"
	HostPhabricator     HostName = "phabricator"
)

// Config is the top-level sightline configuration, corresponding to
// .sightline.yml.
type Config struct {
	ListenPort       int         `yaml:"listen_port" koanf:"listen_port"`
	BackendURL       string      `yaml:"backend_url" koanf:"backend_url"`
	BackendToken     string      `yaml:"backend_token" koanf:"backend_token"`
	AllowedOrigins   []string    `yaml:"allowed_origins" koanf:"allowed_origins"`
	ViewportMarginPx int         `yaml:"viewport_margin_px" koanf:"viewport_margin_px"`
	DecorationPollMs int         `yaml:"decoration_poll_ms" koanf:"decoration_poll_ms"`
	CachePath        string      `yaml:"cache_path" koanf:"cache_path"`
	LogFile          string      `yaml:"log_file" koanf:"log_file"`
	Hosts            HostsConfig `yaml:"hosts" koanf:"hosts"`
}

// HostsConfig selects which adapters run and carries per-host settings.
type HostsConfig struct {
	Enabled []HostName `yaml:"enabled" koanf:"enabled"`

	// PhabricatorCallsigns maps a Phabricator repository callsign (the
	// uppercase tag in diffusion URLs) to the repo name the backend knows
	// it by.
	PhabricatorCallsigns map[string]string `yaml:"phabricator_callsigns" koanf:"phabricator_callsigns"`
}
