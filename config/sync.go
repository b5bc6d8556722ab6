package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryConfig shapes the synchronization request retry schedule.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	// RequestsPerSecond bounds outbound synchronize requests per account.
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
}

// WatchdogConfig shapes the stalled-synchronization watchdog.
type WatchdogConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// TombstoneConfig shapes the removed/completed id suppression windows.
type TombstoneConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// HistoryConfig shapes the history reconciler flush behaviour.
type HistoryConfig struct {
	FlushDebounce time.Duration `yaml:"flushDebounce"`
	FlushRetry    time.Duration `yaml:"flushRetry"`
}

// HealthConfig shapes connection health sampling.
type HealthConfig struct {
	// Windows lists the rolling uptime windows tracked per account.
	Windows []time.Duration `yaml:"windows"`
	// SampleInterval is the base reservoir sampling cadence; each sampler
	// applies independent random jitter on top to avoid thundering herds.
	SampleInterval time.Duration `yaml:"sampleInterval"`
	// QuoteFreshness is the floor interval after which an in-session symbol
	// without a quote marks streaming unhealthy.
	QuoteFreshness time.Duration `yaml:"quoteFreshness"`
}

// IgnoredFieldsConfig lists volatile fields excluded from content hashing per
// collection. The lists are account-family-specific and always injected via
// configuration.
type IgnoredFieldsConfig struct {
	Specification []string `yaml:"specification"`
	Position      []string `yaml:"position"`
	Order         []string `yaml:"order"`
}

// HashFamilyConfig declares hashing behaviour for one account family.
type HashFamilyConfig struct {
	// IntegerIDs selects numeric-ascending id sorting instead of lexicographic.
	IntegerIDs bool `yaml:"integerIds"`
	// IntegerFields are preserved as raw numbers instead of the 8-decimal
	// canonical string form.
	IntegerFields []string            `yaml:"integerFields"`
	IgnoredFields IgnoredFieldsConfig `yaml:"ignoredFields"`
}

// HashingConfig maps account families to their hashing behaviour.
type HashingConfig struct {
	Families map[string]HashFamilyConfig `yaml:"families"`
}

// SyncConfig captures the synchronization engine configuration tree.
type SyncConfig struct {
	Retry     RetryConfig     `yaml:"retry"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Tombstone TombstoneConfig `yaml:"tombstone"`
	History   HistoryConfig   `yaml:"history"`
	Health    HealthConfig    `yaml:"health"`
	Hashing   HashingConfig   `yaml:"hashing"`
}

// DefaultSync returns the default synchronization configuration.
func DefaultSync() SyncConfig {
	return SyncConfig{
		Retry: RetryConfig{
			InitialInterval:   time.Second,
			MaxInterval:       300 * time.Second,
			RequestsPerSecond: 5,
		},
		Watchdog:  WatchdogConfig{Timeout: 2 * time.Minute},
		Tombstone: TombstoneConfig{TTL: 5 * time.Minute},
		History: HistoryConfig{
			FlushDebounce: 5 * time.Second,
			FlushRetry:    15 * time.Second,
		},
		Health: HealthConfig{
			Windows:        []time.Duration{5 * time.Minute, time.Hour, 24 * time.Hour, 7 * 24 * time.Hour},
			SampleInterval: 30 * time.Second,
			QuoteFreshness: 60 * time.Second,
		},
		Hashing: HashingConfig{
			Families: map[string]HashFamilyConfig{
				"cloud": {
					IntegerIDs:    true,
					IntegerFields: []string{"magic", "digits", "leverage", "login", "updateSequenceNumber"},
					IgnoredFields: IgnoredFieldsConfig{
						Specification: []string{"description", "quoteSessions"},
						Position: []string{
							"profit", "unrealizedProfit", "realizedProfit",
							"currentPrice", "currentTickValue", "updateTime",
							"comment", "accountCurrencyExchangeRate", "updateSequenceNumber",
						},
						Order: []string{
							"currentPrice", "currentTickValue", "comment",
							"accountCurrencyExchangeRate", "updateSequenceNumber",
						},
					},
				},
				"self-hosted": {
					IntegerIDs:    false,
					IntegerFields: []string{"magic", "digits", "leverage", "login"},
					IgnoredFields: IgnoredFieldsConfig{
						Specification: []string{"description"},
						Position:      []string{"profit", "unrealizedProfit", "realizedProfit", "currentPrice", "currentTickValue"},
						Order:         []string{"currentPrice", "currentTickValue"},
					},
				},
			},
		},
	}
}

// LoadSync loads a synchronization configuration YAML document from disk,
// falling back to defaults for absent sections.
func LoadSync(path string) (SyncConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = os.Getenv("TERMSYNC_CONFIG")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultSync(), nil
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSync(), nil
		}
		return SyncConfig{}, fmt.Errorf("open sync config: %w", err)
	}
	defer func() { _ = file.Close() }()

	raw, err := io.ReadAll(file)
	if err != nil {
		return SyncConfig{}, fmt.Errorf("read sync config: %w", err)
	}

	cfg := DefaultSync()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return SyncConfig{}, fmt.Errorf("unmarshal sync config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return SyncConfig{}, err
	}
	return cfg, nil
}

func (c *SyncConfig) applyDefaults() {
	defaults := DefaultSync()
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = defaults.Retry.InitialInterval
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = defaults.Retry.MaxInterval
	}
	if c.Retry.RequestsPerSecond <= 0 {
		c.Retry.RequestsPerSecond = defaults.Retry.RequestsPerSecond
	}
	if c.Watchdog.Timeout <= 0 {
		c.Watchdog.Timeout = defaults.Watchdog.Timeout
	}
	if c.Tombstone.TTL <= 0 {
		c.Tombstone.TTL = defaults.Tombstone.TTL
	}
	if c.History.FlushDebounce <= 0 {
		c.History.FlushDebounce = defaults.History.FlushDebounce
	}
	if c.History.FlushRetry <= 0 {
		c.History.FlushRetry = defaults.History.FlushRetry
	}
	if len(c.Health.Windows) == 0 {
		c.Health.Windows = defaults.Health.Windows
	}
	if c.Health.SampleInterval <= 0 {
		c.Health.SampleInterval = defaults.Health.SampleInterval
	}
	if c.Health.QuoteFreshness <= 0 {
		c.Health.QuoteFreshness = defaults.Health.QuoteFreshness
	}
	if len(c.Hashing.Families) == 0 {
		c.Hashing.Families = defaults.Hashing.Families
	}
}

// Validate performs semantic validation on the loaded configuration.
func (c SyncConfig) Validate() error {
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		return fmt.Errorf("sync config: retry maxInterval %v below initialInterval %v", c.Retry.MaxInterval, c.Retry.InitialInterval)
	}
	for _, window := range c.Health.Windows {
		if window <= 0 {
			return fmt.Errorf("sync config: non-positive health window %v", window)
		}
	}
	for family, hashCfg := range c.Hashing.Families {
		if strings.TrimSpace(family) == "" {
			return fmt.Errorf("sync config: hashing family name must not be blank")
		}
		for _, field := range hashCfg.IntegerFields {
			if strings.TrimSpace(field) == "" {
				return fmt.Errorf("sync config: hashing family %q lists a blank integer field", family)
			}
		}
	}
	return nil
}

// Family returns the hashing behaviour for the named account family, falling
// back to the cloud family when unknown.
func (c HashingConfig) Family(name string) HashFamilyConfig {
	if cfg, ok := c.Families[name]; ok {
		return cfg
	}
	if cfg, ok := c.Families["cloud"]; ok {
		return cfg
	}
	return HashFamilyConfig{}
}
