package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
)

// RunWizard runs an interactive configuration wizard and returns the
// resulting Config. It also saves the config to .sightline.yml.
func RunWizard() (*Config, error) {
	fmt.Println("Welcome to sightline! Let's configure your instance.")
	fmt.Println()

	defaults := DefaultConfig()

	// 1. Backend URL.
	backendPrompt := promptui.Prompt{
		Label:   "Code intelligence backend URL",
		Default: defaults.BackendURL,
		Validate: func(s string) error {
			c := *defaults
			c.BackendURL = s
			return c.Validate()
		},
	}
	backendURL, err := backendPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("backend url: %w", err)
	}

	// 2. Backend token, optional.
	tokenPrompt := promptui.Prompt{
		Label: "Backend access token (leave blank if none)",
		Mask:  '*',
	}
	token, err := tokenPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("backend token: %w", err)
	}

	// 3. Listen port.
	portPrompt := promptui.Prompt{
		Label:   "Port for the session endpoint",
		Default: strconv.Itoa(defaults.ListenPort),
		Validate: func(s string) error {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 || n > 65535 {
				return fmt.Errorf("not a valid port")
			}
			return nil
		},
	}
	portStr, err := portPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("listen port: %w", err)
	}
	port, _ := strconv.Atoi(portStr)

	// 4. Allowed page origins.
	originsPrompt := promptui.Prompt{
		Label:   "Allowed page origins (comma-separated host patterns)",
		Default: strings.Join(defaults.AllowedOrigins, ", "),
	}
	originsStr, err := originsPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("allowed origins: %w", err)
	}
	origins := splitAndTrim(originsStr)

	// 5. Enabled hosts, one yes/no each.
	var enabled []HostName
	for _, h := range []HostName{HostGitHub, HostGitLab, HostBitbucketServer, HostPhabricator} {
		hostPrompt := promptui.Select{
			Label: fmt.Sprintf("Enable the %s adapter", h),
			Items: []string{"yes", "no"},
		}
		_, answer, err := hostPrompt.Run()
		if err != nil {
			return nil, fmt.Errorf("host selection: %w", err)
		}
		if answer == "yes" {
			enabled = append(enabled, h)
		}
	}

	// 6. Raw-content cache.
	cachePrompt := promptui.Prompt{
		Label:   "Raw content cache path (blank keeps the cache in memory)",
		Default: "",
	}
	cachePath, err := cachePrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("cache path: %w", err)
	}

	cfg := &Config{
		ListenPort:       port,
		BackendURL:       backendURL,
		BackendToken:     token,
		AllowedOrigins:   origins,
		ViewportMarginPx: defaults.ViewportMarginPx,
		DecorationPollMs: defaults.DecorationPollMs,
		CachePath:        cachePath,
		Hosts:            HostsConfig{Enabled: enabled},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configPath := ".sightline.yml"
	if err := cfg.Save(configPath); err != nil {
		return nil, fmt.Errorf("saving config: %w", err)
	}

	if token == "" {
		fmt.Printf("\nNote: set SIGHTLINE_BACKEND_TOKEN in the environment if the backend needs one.\n")
	}
	fmt.Printf("\nConfiguration saved to %s\n", configPath)
	return cfg, nil
}

// splitAndTrim splits a comma-separated string and trims whitespace.
func splitAndTrim(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}
