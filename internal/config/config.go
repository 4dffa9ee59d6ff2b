// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gridbot/internal/core"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig               `yaml:"app"`
	Venues      map[string]VenueConfig  `yaml:"venues"`
	Grid        GridSection             `yaml:"grid"`
	Engine      EngineSection           `yaml:"engine"`
	System      SystemConfig            `yaml:"system"`
	Storage     StorageConfig           `yaml:"storage"`
	Concurrency ConcurrencyConfig       `yaml:"concurrency"`
	Telemetry   TelemetryConfig         `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Venue  string `yaml:"venue"`  // bitkub, binance or sim
	Symbol string `yaml:"symbol"` // venue-native symbol, e.g. THB_BTC
	Mode   string `yaml:"mode"`   // live or simulated
}

// VenueConfig contains venue-specific credentials and overrides
type VenueConfig struct {
	APIKey    string  `yaml:"api_key"`
	SecretKey string  `yaml:"secret_key"`
	BaseURL   string  `yaml:"base_url"` // Optional override for API URL
	FeeRate   float64 `yaml:"fee_rate"`
	// Rate limit in requests per second for signed endpoints
	RateLimit float64 `yaml:"rate_limit"`
}

// GridSection contains the grid geometry and sizing parameters
type GridSection struct {
	LowerBound   string       `yaml:"lower_bound"`
	UpperBound   string       `yaml:"upper_bound"`
	NLevels      int          `yaml:"n_levels"`
	Spacing      string       `yaml:"spacing"` // arithmetic or geometric
	SizePerLevel string       `yaml:"size_per_level"`
	Zones        []ZoneSection `yaml:"zones"`
}

// ZoneSection is a contiguous range of level indices with a shared toggle
type ZoneSection struct {
	ID       int  `yaml:"id"`
	StartIdx int  `yaml:"start_idx"`
	EndIdx   int  `yaml:"end_idx"`
	Enabled  bool `yaml:"enabled"`
}

// EngineSection contains reconciliation loop tuning
type EngineSection struct {
	ReconcileIntervalSec int  `yaml:"reconcile_interval_sec"`
	CancelOnExit         bool `yaml:"cancel_on_exit"`
	// SimSeed makes simulated runs reproducible; 0 means seed from the clock
	SimSeed int64 `yaml:"sim_seed"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
	HTTPPort int    `yaml:"http_port"` // operator API and websocket feed
}

// StorageConfig contains persistence settings
type StorageConfig struct {
	DBPath         string `yaml:"db_path"`
	ManualSyncPath string `yaml:"manual_sync_path"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	OrderPoolSize   int `yaml:"order_pool_size"`
	OrderPoolBuffer int `yaml:"order_pool_buffer"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := os.Expand(string(data), os.Getenv)

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.App.Mode == "" {
		c.App.Mode = "live"
	}
	if c.Grid.Spacing == "" {
		c.Grid.Spacing = "arithmetic"
	}
	if c.Engine.ReconcileIntervalSec == 0 {
		c.Engine.ReconcileIntervalSec = 5
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.System.HTTPPort == 0 {
		c.System.HTTPPort = 8080
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "gridbot.db"
	}
	if c.Storage.ManualSyncPath == "" {
		c.Storage.ManualSyncPath = "manual_sync_orders.json"
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateVenues(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateGridSection(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	validVenues := []string{"bitkub", "binance", "sim"}

	if !contains(validVenues, c.App.Venue) {
		return ValidationError{
			Field:   "app.venue",
			Value:   c.App.Venue,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validVenues, ", ")),
		}
	}
	if c.App.Symbol == "" {
		return ValidationError{
			Field:   "app.symbol",
			Message: "trading symbol is required",
		}
	}
	if c.App.Mode != "live" && c.App.Mode != "simulated" {
		return ValidationError{
			Field:   "app.mode",
			Value:   c.App.Mode,
			Message: "must be live or simulated",
		}
	}
	if c.App.Mode == "simulated" && c.App.Venue != "sim" {
		return ValidationError{
			Field:   "app.mode",
			Value:   c.App.Mode,
			Message: "simulated mode requires the sim venue",
		}
	}
	return nil
}

func (c *Config) validateVenues() error {
	// The simulator needs no credentials.
	if c.App.Venue == "sim" {
		return nil
	}

	venue, exists := c.Venues[c.App.Venue]
	if !exists {
		return ValidationError{
			Field:   "venues",
			Value:   c.App.Venue,
			Message: "venue configuration not found in venues section",
		}
	}
	if venue.APIKey == "" {
		return ValidationError{
			Field:   fmt.Sprintf("venues.%s.api_key", c.App.Venue),
			Message: "API key is required",
		}
	}
	if venue.SecretKey == "" {
		return ValidationError{
			Field:   fmt.Sprintf("venues.%s.secret_key", c.App.Venue),
			Message: "secret key is required",
		}
	}
	return nil
}

func (c *Config) validateGridSection() error {
	lower, err := decimal.NewFromString(c.Grid.LowerBound)
	if err != nil {
		return ValidationError{
			Field:   "grid.lower_bound",
			Value:   c.Grid.LowerBound,
			Message: "must be a decimal number",
		}
	}
	upper, err := decimal.NewFromString(c.Grid.UpperBound)
	if err != nil {
		return ValidationError{
			Field:   "grid.upper_bound",
			Value:   c.Grid.UpperBound,
			Message: "must be a decimal number",
		}
	}
	if upper.LessThanOrEqual(lower) {
		return ValidationError{
			Field:   "grid.upper_bound",
			Value:   c.Grid.UpperBound,
			Message: "must exceed grid.lower_bound",
		}
	}
	if c.Grid.NLevels < 2 {
		return ValidationError{
			Field:   "grid.n_levels",
			Value:   c.Grid.NLevels,
			Message: "at least 2 levels required",
		}
	}
	if c.Grid.Spacing != "arithmetic" && c.Grid.Spacing != "geometric" {
		return ValidationError{
			Field:   "grid.spacing",
			Value:   c.Grid.Spacing,
			Message: "must be arithmetic or geometric",
		}
	}
	size, err := decimal.NewFromString(c.Grid.SizePerLevel)
	if err != nil || !size.IsPositive() {
		return ValidationError{
			Field:   "grid.size_per_level",
			Value:   c.Grid.SizePerLevel,
			Message: "must be a positive decimal number",
		}
	}
	for _, z := range c.Grid.Zones {
		if z.StartIdx < 0 || z.EndIdx >= c.Grid.NLevels || z.StartIdx > z.EndIdx {
			return ValidationError{
				Field:   "grid.zones",
				Value:   z.ID,
				Message: fmt.Sprintf("zone range [%d,%d] outside grid [0,%d]", z.StartIdx, z.EndIdx, c.Grid.NLevels-1),
			}
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// ToGridConfig converts the YAML grid section into the engine's domain config.
// Call after Validate; the decimal fields are known to parse.
func (c *Config) ToGridConfig() core.GridConfig {
	lower, _ := decimal.NewFromString(c.Grid.LowerBound)
	upper, _ := decimal.NewFromString(c.Grid.UpperBound)
	size, _ := decimal.NewFromString(c.Grid.SizePerLevel)

	zones := make([]core.Zone, 0, len(c.Grid.Zones))
	for _, z := range c.Grid.Zones {
		zones = append(zones, core.Zone{
			ID:       z.ID,
			StartIdx: z.StartIdx,
			EndIdx:   z.EndIdx,
			Enabled:  z.Enabled,
		})
	}

	mode := core.ModeLive
	if c.App.Mode == "simulated" {
		mode = core.ModeSimulated
	}

	return core.GridConfig{
		Lower:        lower,
		Upper:        upper,
		NLevels:      c.Grid.NLevels,
		Spacing:      core.Spacing(c.Grid.Spacing),
		SizePerLevel: size,
		Zones:        zones,
		Mode:         mode,
		Venue:        c.App.Venue,
		Symbol:       c.App.Symbol,
	}
}

// VenueCredentials returns the configuration for the active venue
func (c *Config) VenueCredentials() (*VenueConfig, error) {
	venue, exists := c.Venues[c.App.Venue]
	if !exists {
		return nil, fmt.Errorf("venue configuration not found for: %s", c.App.Venue)
	}
	return &venue, nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Venues = make(map[string]VenueConfig, len(c.Venues))
	for name, venue := range c.Venues {
		venue.APIKey = maskString(venue.APIKey)
		venue.SecretKey = maskString(venue.SecretKey)
		configCopy.Venues[name] = venue
	}

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		App: AppConfig{
			Venue:  "sim",
			Symbol: "SIM_BTC",
			Mode:   "simulated",
		},
		Grid: GridSection{
			LowerBound:   "100",
			UpperBound:   "200",
			NLevels:      5,
			Spacing:      "arithmetic",
			SizePerLevel: "0.01",
		},
		Engine: EngineSection{
			ReconcileIntervalSec: 5,
			CancelOnExit:         true,
			SimSeed:              42,
		},
		System: SystemConfig{
			LogLevel: "INFO",
			HTTPPort: 8080,
		},
	}
	cfg.applyDefaults()
	return cfg
}
