// Package vaultconfig loads the data vault's runtime configuration: a
// `.env` bootstrap (best-effort, missing file ignored), an optional
// static `vault.yaml` overlay, and finally environment variable
// overrides — in that precedence order, matching the donor's
// candidate-path discovery idiom (daemon.DiscoverToolConfigPathFrom)
// and its `.env`-then-environment bootstrap.
package vaultconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/llmvault/datavault/vaulterrors"
)

const (
	defaultConfigName = "vault.yaml"
	homeConfigDir     = ".datavault"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	RedisURL string

	MaxInlineRows   int
	MaxInlineTokens int
	MaxInlineBytes  int
	TTL             time.Duration
	GracePeriod     time.Duration

	AnthropicAPIKey string
	AnalysisModel   string
	AnalysisTimeout time.Duration
	QueryTimeout    time.Duration
	HTTPAddr        string
	OTLPEndpoint    string
}

// fileOverlay is the shape of an optional static vault.yaml, decoded
// before environment variables are applied on top.
type fileOverlay struct {
	MaxInlineRows   *int   `yaml:"maxInlineRows"`
	MaxInlineTokens *int   `yaml:"maxInlineTokens"`
	MaxInlineBytes  *int   `yaml:"maxInlineBytes"`
	TTLSeconds      *int   `yaml:"ttlSeconds"`
	GracePeriodSecs *int   `yaml:"gracePeriodSeconds"`
	AnalysisModel   string `yaml:"analysisModel"`
}

func defaults() Config {
	return Config{
		MaxInlineRows:   100,
		MaxInlineTokens: 10000,
		MaxInlineBytes:  51200,
		TTL:             30 * time.Minute,
		GracePeriod:     5 * time.Minute,
		AnalysisModel:   "claude-sonnet-4-5",
		AnalysisTimeout: 10 * time.Second,
		QueryTimeout:    30 * time.Second,
		HTTPAddr:        ":8084",
	}
}

// Load resolves configuration from (in precedence order, later wins):
// built-in defaults, an optional configPath (or discovered vault.yaml),
// then environment variables. A `.env` file at the working directory is
// loaded first (missing file is not an error) so that subsequent
// `os.LookupEnv` calls see it, mirroring the donor's bootstrap.
func Load(configPath string) (Config, error) {
	_ = godotenv.Load() // best-effort; missing .env is not an error

	cfg := defaults()

	resolvedPath, found, err := discoverConfigPath(configPath)
	if err != nil {
		return Config{}, err
	}
	if found {
		overlay, err := loadOverlay(resolvedPath)
		if err != nil {
			return Config{}, err
		}
		applyOverlay(&cfg, overlay)
	}

	applyEnv(&cfg)

	if strings.TrimSpace(cfg.RedisURL) == "" {
		return Config{}, vaulterrors.NewValidationError("REDIS_URL", "a redis connection URL is required to start the data vault")
	}

	return cfg, nil
}

// discoverConfigPath mirrors daemon.DiscoverToolConfigPathFrom: an
// explicit path, then ./vault.yaml, then ~/.datavault/vault.yaml.
func discoverConfigPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverConfigPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverConfigPathFrom is a testable variant of the candidate-path
// discovery discoverConfigPath performs: explicit path, then
// cwd/vault.yaml, then homeDir/.datavault/vault.yaml.
func DiscoverConfigPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	var candidates []string
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, defaultConfigName))
		candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, defaultConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if os.IsNotExist(err) {
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

func loadOverlay(path string) (fileOverlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileOverlay{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fileOverlay{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return overlay, nil
}

func applyOverlay(cfg *Config, overlay fileOverlay) {
	if overlay.MaxInlineRows != nil {
		cfg.MaxInlineRows = *overlay.MaxInlineRows
	}
	if overlay.MaxInlineTokens != nil {
		cfg.MaxInlineTokens = *overlay.MaxInlineTokens
	}
	if overlay.MaxInlineBytes != nil {
		cfg.MaxInlineBytes = *overlay.MaxInlineBytes
	}
	if overlay.TTLSeconds != nil {
		cfg.TTL = time.Duration(*overlay.TTLSeconds) * time.Second
	}
	if overlay.GracePeriodSecs != nil {
		cfg.GracePeriod = time.Duration(*overlay.GracePeriodSecs) * time.Second
	}
	if overlay.AnalysisModel != "" {
		cfg.AnalysisModel = overlay.AnalysisModel
	}
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("REDIS_URL"); ok {
		cfg.RedisURL = v
	}
	if v, ok := envInt("DATA_VAULT_MAX_INLINE_ROWS"); ok {
		cfg.MaxInlineRows = v
	}
	if v, ok := envInt("DATA_VAULT_MAX_INLINE_TOKENS"); ok {
		cfg.MaxInlineTokens = v
	}
	if v, ok := envInt("DATA_VAULT_MAX_INLINE_BYTES"); ok {
		cfg.MaxInlineBytes = v
	}
	if v, ok := envInt("DATA_VAULT_TTL_SECONDS"); ok {
		cfg.TTL = time.Duration(v) * time.Second
	}
	if v, ok := envInt("DATA_VAULT_GRACE_PERIOD_SECONDS"); ok {
		cfg.GracePeriod = time.Duration(v) * time.Second
	}
	if v, ok := os.LookupEnv("DATA_VAULT_ANTHROPIC_API_KEY"); ok {
		cfg.AnthropicAPIKey = v
	}
	if v, ok := os.LookupEnv("DATA_VAULT_ANALYSIS_MODEL"); ok {
		cfg.AnalysisModel = v
	}
	if v, ok := envInt("DATA_VAULT_ANALYSIS_TIMEOUT_SECONDS"); ok {
		cfg.AnalysisTimeout = time.Duration(v) * time.Second
	}
	if v, ok := envInt("DATA_VAULT_QUERY_TIMEOUT_SECONDS"); ok {
		cfg.QueryTimeout = time.Duration(v) * time.Second
	}
	if v, ok := os.LookupEnv("DATA_VAULT_HTTP_ADDR"); ok {
		cfg.HTTPAddr = v
	}
	if v, ok := os.LookupEnv("DATA_VAULT_OTLP_ENDPOINT"); ok {
		cfg.OTLPEndpoint = v
	}
}

func envInt(key string) (int, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
