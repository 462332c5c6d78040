// Package config resolves the closed set of environment variables that
// govern the active sandbox provider, the code-host app credentials, the
// secret-vault secret, and the default task-run JWT secret.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Provider names one of the recognized sandbox back-ends.
type Provider string

const (
	ProviderMorph  Provider = "morph"
	ProviderPveLXC Provider = "pve-lxc"
	ProviderPveVM  Provider = "pve-vm"
)

// DefaultProvider is used when no override is set and no credentials are
// detected for either back-end.
const DefaultProvider = ProviderMorph

// Config is the closed set of environment variables this service reads.
type Config struct {
	ProviderOverride string // CMUX_PROVIDER: "morph" | "pve-lxc" | "pve-vm"

	MorphAPIKey  string // MORPH_API_KEY
	MorphBaseURL string // MORPH_BASE_URL

	PveLXCBaseURL string // PVE_LXC_BASE_URL
	PveLXCToken   string // PVE_LXC_TOKEN
	PveLXCNode    string // PVE_LXC_NODE

	GithubAppID         int64  // CMUX_GITHUB_APP_ID
	GithubAppPrivateKey string // CMUX_GITHUB_APP_PRIVATE_KEY (or _FILE)
	GithubBaseURL       string // CMUX_GITHUB_BASE_URL

	VaultSecret string // CMUX_VAULT_SECRET (age identity string)
	VaultPath   string // CMUX_VAULT_PATH

	TaskRunJWTSecret string // CMUX_TASKRUN_JWT_SECRET

	StorePath string // CMUX_STORE_PATH

	HTTPAddr string // CMUX_HTTP_ADDR
}

// source describes where a resolved value came from, used only for
// diagnostics/logging, never echoed to an HTTP caller.
type source struct {
	Value  string
	Origin string // "override" | "credentials" | "default"
}

// Load reads the environment (and, if present, an optional YAML or TOML
// overrides file) into a Config.
func Load() (Config, error) {
	cfg := Config{
		MorphBaseURL:  envOr("MORPH_BASE_URL", "https://cloud.morph.so/api"),
		GithubBaseURL: envOr("CMUX_GITHUB_BASE_URL", "https://api.github.com"),
		StorePath:     envOr("CMUX_STORE_PATH", "./data/store.json"),
		VaultPath:     envOr("CMUX_VAULT_PATH", "./data/vault.json"),
		HTTPAddr:      envOr("CMUX_HTTP_ADDR", ":8080"),
	}
	cfg.ProviderOverride = strings.ToLower(strings.TrimSpace(os.Getenv("CMUX_PROVIDER")))
	cfg.MorphAPIKey = readSecretEnv("MORPH_API_KEY")
	cfg.PveLXCBaseURL = os.Getenv("PVE_LXC_BASE_URL")
	cfg.PveLXCToken = readSecretEnv("PVE_LXC_TOKEN")
	cfg.PveLXCNode = envOr("PVE_LXC_NODE", "pve")
	cfg.GithubAppPrivateKey = readSecretEnv("CMUX_GITHUB_APP_PRIVATE_KEY")
	cfg.VaultSecret = readSecretEnv("CMUX_VAULT_SECRET")
	cfg.TaskRunJWTSecret = readSecretEnv("CMUX_TASKRUN_JWT_SECRET")
	if raw := strings.TrimSpace(os.Getenv("CMUX_GITHUB_APP_ID")); raw != "" {
		var id int64
		if _, err := fmt.Sscanf(raw, "%d", &id); err == nil {
			cfg.GithubAppID = id
		}
	}

	if overridePath := strings.TrimSpace(os.Getenv("CMUX_CONFIG_FILE")); overridePath != "" {
		if err := applyOverridesFile(&cfg, overridePath); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func applyOverridesFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read overrides file: %w", err)
	}
	var overrides map[string]string
	switch {
	case strings.HasSuffix(path, ".toml"):
		if err := toml.Unmarshal(data, &overrides); err != nil {
			return fmt.Errorf("config: parse toml overrides: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &overrides); err != nil {
			return fmt.Errorf("config: parse yaml overrides: %w", err)
		}
	}
	for k, v := range overrides {
		switch strings.ToUpper(k) {
		case "CMUX_PROVIDER":
			cfg.ProviderOverride = strings.ToLower(v)
		case "MORPH_API_KEY":
			cfg.MorphAPIKey = v
		case "MORPH_BASE_URL":
			cfg.MorphBaseURL = v
		case "PVE_LXC_BASE_URL":
			cfg.PveLXCBaseURL = v
		case "PVE_LXC_TOKEN":
			cfg.PveLXCToken = v
		case "PVE_LXC_NODE":
			cfg.PveLXCNode = v
		}
	}
	return nil
}

// ResolveProvider implements §4.3 step 2: explicit override takes
// precedence; otherwise auto-detect from which provider's credentials
// are present; otherwise fall back to the named default.
func (c Config) ResolveProvider() (Provider, string) {
	if v := c.providerFromOverride(); v != "" {
		return v, "override"
	}
	if strings.TrimSpace(c.MorphAPIKey) != "" {
		return ProviderMorph, "credentials"
	}
	if strings.TrimSpace(c.PveLXCBaseURL) != "" && strings.TrimSpace(c.PveLXCToken) != "" {
		return ProviderPveLXC, "credentials"
	}
	return DefaultProvider, "default"
}

func (c Config) providerFromOverride() Provider {
	switch c.ProviderOverride {
	case string(ProviderMorph):
		return ProviderMorph
	case string(ProviderPveLXC):
		return ProviderPveLXC
	case string(ProviderPveVM):
		return ProviderPveVM
	case "":
		return ""
	default:
		return ""
	}
}

// DescribeProvider is a diagnostics-only helper (never surfaced over
// HTTP) reporting which signal chose the active provider.
func (c Config) DescribeProvider() string {
	provider, origin := c.ResolveProvider()
	return fmt.Sprintf("provider=%s origin=%s", provider, origin)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// readSecretEnv prefers KEY_FILE (a path to a file containing the secret)
// over KEY itself, matching the file-or-inline convention used throughout
// the stack this service descends from.
func readSecretEnv(key string) string {
	if path := strings.TrimSpace(os.Getenv(key + "_FILE")); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return strings.TrimSpace(os.Getenv(key))
}

// HasCredentials reports whether any signal (env or file) is present for
// the named provider, for use in startup diagnostics.
func HasCredentials(envKey, fileKey string) bool {
	if strings.TrimSpace(os.Getenv(envKey)) != "" {
		return true
	}
	if path := strings.TrimSpace(os.Getenv(fileKey)); path != "" {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}


