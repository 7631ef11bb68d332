package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models anchorline.yml. Chain wiring, retry budgets, and cadences are
// deployment facts and live here; the runtime policy (enabled flags, worker
// interval) lives in the database and is mutable through the admin API.
type Config struct {
	Chains []ChainConfig `yaml:"chains"`

	Retry struct {
		MaxAttempts        int `yaml:"max_attempts"`
		BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
		BackoffCapSeconds  int `yaml:"backoff_cap_seconds"`
	} `yaml:"retry"`

	Reconcile struct {
		// Cron spec for sweeps, e.g. "@every 5m". Reconciliation is diagnostic
		// and deliberately slower than the worker's claiming cycle.
		Schedule string `yaml:"schedule"`
	} `yaml:"reconcile"`

	Publisher struct {
		// SignerURL points at the external signing service. Empty means no live
		// publishing; everything takes the placeholder path.
		SignerURL             string  `yaml:"signer_url"`
		ConfirmTimeoutSeconds int     `yaml:"confirm_timeout_seconds"`
		RPCTimeoutSeconds     int     `yaml:"rpc_timeout_seconds"`
		RPCRateLimit          float64 `yaml:"rpc_rate_limit"`
	} `yaml:"publisher"`

	Worker struct {
		BatchSize int `yaml:"batch_size"`
	} `yaml:"worker"`

	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// ChainConfig describes one target chain and its attestation registry
// contract. The counter selectors are the 4-byte ABI selectors of the
// registry's read methods; they are deployment facts, supplied alongside the
// contract address.
type ChainConfig struct {
	ChainID                int64  `yaml:"chain_id"`
	Name                   string `yaml:"name"`
	RPCURL                 string `yaml:"rpc_url"`
	ContractAddress        string `yaml:"contract_address"`
	PublisherAddress       string `yaml:"publisher_address"`
	ExplorerBaseURL        string `yaml:"explorer_base_url"`
	PublisherCountSelector string `yaml:"publisher_count_selector"`
	TotalCountSelector     string `yaml:"total_count_selector"`
}

// WebhookConfig describes an outcome-event subscriber (the agent layer).
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Chain returns the chain config for an id.
func (c *Config) Chain(chainID int64) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.ChainID == chainID {
			return ch, true
		}
	}
	return ChainConfig{}, false
}

// ExplorerTxURL builds the block-explorer link for a tx hash, or "" when the
// chain has no explorer configured.
func (c *Config) ExplorerTxURL(chainID int64, txHash string) string {
	ch, ok := c.Chain(chainID)
	if !ok || ch.ExplorerBaseURL == "" || txHash == "" {
		return ""
	}
	return fmt.Sprintf("%s/tx/%s", ch.ExplorerBaseURL, txHash)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	seen := map[int64]bool{}
	for i, ch := range c.Chains {
		if ch.ChainID <= 0 {
			return fmt.Errorf("chains[%d].chain_id must be positive", i)
		}
		if seen[ch.ChainID] {
			return fmt.Errorf("duplicate chain_id %d", ch.ChainID)
		}
		seen[ch.ChainID] = true
		if !validAddress(ch.ContractAddress) {
			return fmt.Errorf("chains[%d].contract_address %q is not a 0x-prefixed 20-byte hex address", i, ch.ContractAddress)
		}
		if !validAddress(ch.PublisherAddress) {
			return fmt.Errorf("chains[%d].publisher_address %q is not a 0x-prefixed 20-byte hex address", i, ch.PublisherAddress)
		}
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// validAddress reports whether s is a 0x-prefixed 20-byte hex address. Call
// data assembly left-pads the address into a 32-byte word and relies on this.
func validAddress(s string) bool {
	if len(s) != 42 || s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return false
	}
	for _, r := range s[2:] {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// applyDefaults fills the documented defaults for anything unset.
func (c *Config) applyDefaults() {
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BackoffBaseSeconds == 0 {
		c.Retry.BackoffBaseSeconds = 5
	}
	if c.Retry.BackoffCapSeconds == 0 {
		c.Retry.BackoffCapSeconds = 300
	}
	if c.Reconcile.Schedule == "" {
		c.Reconcile.Schedule = "@every 5m"
	}
	if c.Publisher.ConfirmTimeoutSeconds == 0 {
		c.Publisher.ConfirmTimeoutSeconds = 90
	}
	if c.Publisher.RPCTimeoutSeconds == 0 {
		c.Publisher.RPCTimeoutSeconds = 15
	}
	if c.Publisher.RPCRateLimit == 0 {
		c.Publisher.RPCRateLimit = 4
	}
	if c.Worker.BatchSize == 0 {
		c.Worker.BatchSize = 10
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "anchorline.yml")
}

// Load reads and validates config from workspace. A missing file yields the
// defaults (placeholder-only deployment with no chains).
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}
