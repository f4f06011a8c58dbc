package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port             string `mapstructure:"PORT"`
	Env              string `mapstructure:"ENV"`
	DatabaseURL      string `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32  `mapstructure:"DB_MIN_CONNS"`
	ClientIdentifier string `mapstructure:"CLIENT_IDENTIFIER"`
	LIMSURL          string `mapstructure:"LIMS_URL"`
	LIMSUsername     string `mapstructure:"LIMS_USERNAME"`
	LIMSPassword     string `mapstructure:"LIMS_PASSWORD"`
	SourceFolder     string `mapstructure:"SOURCE_FOLDER"`
	DataDir          string `mapstructure:"DATA_DIR"`
	PriceListPath    string `mapstructure:"PRICE_LIST_PATH"`
	FetchDays        int    `mapstructure:"FETCH_DAYS"`
	ScanStartDate    string `mapstructure:"SCAN_START_DATE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DATA_DIR", "data")
	v.SetDefault("PRICE_LIST_PATH", "price_list.csv")
	v.SetDefault("FETCH_DAYS", 2)
	v.SetDefault("SCAN_START_DATE", "2023-01-01")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CLIENT_IDENTIFIER")
	v.BindEnv("LIMS_URL")
	v.BindEnv("LIMS_USERNAME")
	v.BindEnv("LIMS_PASSWORD")
	v.BindEnv("SOURCE_FOLDER")
	v.BindEnv("DATA_DIR")
	v.BindEnv("PRICE_LIST_PATH")
	v.BindEnv("FETCH_DAYS")
	v.BindEnv("SCAN_START_DATE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.ClientIdentifier == "" {
		return nil, fmt.Errorf("CLIENT_IDENTIFIER is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ValidateFetch checks the settings the LIMS extraction path needs.
// The transform and reconcile paths can run without portal credentials,
// so these are only enforced when a fetch is requested.
func (c *Config) ValidateFetch() error {
	if c.LIMSURL == "" {
		return fmt.Errorf("LIMS_URL is required to fetch from the portal")
	}
	if c.LIMSUsername == "" || c.LIMSPassword == "" {
		return fmt.Errorf("LIMS_USERNAME and LIMS_PASSWORD are required to fetch from the portal")
	}
	if c.FetchDays < 1 {
		return fmt.Errorf("FETCH_DAYS must be at least 1, got %d", c.FetchDays)
	}
	return nil
}

// ValidateScan checks the settings the completion scanner needs.
func (c *Config) ValidateScan() error {
	if c.SourceFolder == "" {
		return fmt.Errorf("SOURCE_FOLDER is required to scan for completion files")
	}
	if _, err := time.Parse("2006-01-02", c.ScanStartDate); err != nil {
		return fmt.Errorf("SCAN_START_DATE must be YYYY-MM-DD: %w", err)
	}
	return nil
}

// ScanStart returns SCAN_START_DATE as a time. ValidateScan must have
// passed first.
func (c *Config) ScanStart() time.Time {
	t, _ := time.Parse("2006-01-02", c.ScanStartDate)
	return t
}
