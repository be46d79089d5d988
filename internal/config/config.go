// Package config содержит логику чтения конфигурации фискального регистратора.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/ekasa-registrar/internal/model"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	defaultRunAddress    = "localhost:8080"
	defaultStoreDriver   = DriverSQLite
	defaultSQLitePath    = "ekasa-offline.db"
	defaultSubmitTimeout = 5 * time.Second
)

// Config содержит параметры конфигурации регистратора.
type Config struct {
	RunAddress       string        `env:"RUN_ADDRESS"`
	StoreDriver      string        `env:"STORE_DRIVER"`
	DatabaseURI      string        `env:"DATABASE_URI"`
	SQLitePath       string        `env:"SQLITE_PATH"`
	AuthorityAddress string        `env:"AUTHORITY_ADDRESS"`
	SubmitTimeout    time.Duration `env:"SUBMIT_TIMEOUT"`

	// MaxSubmitTimeout ограничивает timeout_ms, переданный клиентом в запросе.
	MaxSubmitTimeout time.Duration `env:"MAX_SUBMIT_TIMEOUT" envDefault:"30s"`

	PollInterval          time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	ResyncInitialInterval time.Duration `env:"RESYNC_INITIAL_INTERVAL" envDefault:"1s"`
	ResyncMaxInterval     time.Duration `env:"RESYNC_MAX_INTERVAL" envDefault:"5m"`
	ResyncRate            float64       `env:"RESYNC_RATE" envDefault:"10"`

	// RegisterSecret подписывает токены касс. Пустое значение заменяется случайным ключом при старте.
	RegisterSecret string `env:"REGISTER_SECRET"`

	VatReducedPercent  decimal.Decimal `env:"VAT_REDUCED_PERCENT" envDefault:"10"`
	VatStandardPercent decimal.Decimal `env:"VAT_STANDARD_PERCENT" envDefault:"20"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envStoreDriver := cfg.StoreDriver
	envDatabaseURI := cfg.DatabaseURI
	envSQLitePath := cfg.SQLitePath
	envAuthorityAddress := cfg.AuthorityAddress
	envSubmitTimeout := cfg.SubmitTimeout

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.StoreDriver, "s", defaultStoreDriver, "offline store driver (postgres, sqlite)")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.SQLitePath, "f", defaultSQLitePath, "sqlite offline store file")
	flag.StringVar(&cfg.AuthorityAddress, "r", "", "fiscal authority address")
	flag.DurationVar(&cfg.SubmitTimeout, "t", defaultSubmitTimeout, "online registration timeout")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envStoreDriver != "" {
		cfg.StoreDriver = envStoreDriver
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envSQLitePath != "" {
		cfg.SQLitePath = envSQLitePath
	}
	if envAuthorityAddress != "" {
		cfg.AuthorityAddress = envAuthorityAddress
	}
	if envSubmitTimeout != 0 {
		cfg.SubmitTimeout = envSubmitTimeout
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = defaultSubmitTimeout
	}

	return cfg, nil
}

// Validate проверяет согласованность параметров.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURI == "" {
			errs = append(errs, errors.New("DATABASE_URI is required for postgres store"))
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	if c.AuthorityAddress == "" {
		errs = append(errs, errors.New("AUTHORITY_ADDRESS is required"))
	}
	if c.MaxSubmitTimeout < c.SubmitTimeout {
		errs = append(errs, errors.New("MAX_SUBMIT_TIMEOUT must not be less than SUBMIT_TIMEOUT"))
	}
	if c.ResyncMaxInterval < c.ResyncInitialInterval {
		errs = append(errs, errors.New("RESYNC_MAX_INTERVAL must not be less than RESYNC_INITIAL_INTERVAL"))
	}
	if c.VatReducedPercent.IsNegative() || c.VatStandardPercent.IsNegative() {
		errs = append(errs, errors.New("VAT percentages must not be negative"))
	}

	return errors.Join(errs...)
}

// VatTable возвращает таблицу ставок НДС.
func (c *Config) VatTable() model.VatTable {
	return model.VatTable{
		model.VatReduced:  c.VatReducedPercent,
		model.VatStandard: c.VatStandardPercent,
	}
}
