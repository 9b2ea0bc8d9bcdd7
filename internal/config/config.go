// Package config содержит логику чтения конфигурации платёжного сервиса.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ddcrlabs/paygate-system/internal/model"
)

// Config содержит параметры конфигурации платёжного сервиса.
type Config struct {
	RunAddress    string `env:"RUN_ADDRESS"`
	RedisAddress  string `env:"REDIS_ADDRESS"`
	DatabaseURI   string `env:"DATABASE_URI"`
	LedgerAddress string `env:"LEDGER_ADDRESS"`
	SKUFile       string `env:"SKU_FILE"`

	KeyDir            string        `env:"KEY_DIR" envDefault:".secrets"`
	FallbackPrincipal string        `env:"FALLBACK_PRINCIPAL"`
	KafkaBrokers      []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic        string        `env:"KAFKA_TOPIC" envDefault:"pay.orders"`
	TransferFeeE8s    int64         `env:"TRANSFER_FEE_E8S" envDefault:"10000"`
	MaxRetries        int           `env:"MAX_RETRIES" envDefault:"3"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	LedgerTimeout     time.Duration `env:"LEDGER_TIMEOUT" envDefault:"10s"`
	TopWinners        int           `env:"TOP_WINNERS" envDefault:"3"`
	WinnerWeights     []int64       `env:"WINNER_WEIGHTS" envSeparator:"," envDefault:"1,1,1"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envRedisAddress := cfg.RedisAddress
	envDatabaseURI := cfg.DatabaseURI
	envLedgerAddress := cfg.LedgerAddress
	envSKUFile := cfg.SKUFile

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.RedisAddress, "r", "127.0.0.1:6379", "redis address")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI for the credit ledger")
	flag.StringVar(&cfg.LedgerAddress, "l", "", "ledger proxy address")
	flag.StringVar(&cfg.SKUFile, "s", "skus.json", "path to the SKU price table")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envRedisAddress != "" {
		cfg.RedisAddress = envRedisAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envLedgerAddress != "" {
		cfg.LedgerAddress = envLedgerAddress
	}
	if envSKUFile != "" {
		cfg.SKUFile = envSKUFile
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}

// LoadSKUs читает таблицу цен из JSON-файла: идентификатор SKU ->
// {price_e8s, tickets}. Все суммы — целые e8s.
func LoadSKUs(path string) (map[string]model.SKU, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sku file: %w", err)
	}

	var skus map[string]model.SKU
	if err := json.Unmarshal(data, &skus); err != nil {
		return nil, fmt.Errorf("parse sku file %s: %w", path, err)
	}

	for id, sku := range skus {
		if sku.PriceE8s <= 0 || sku.Tickets <= 0 {
			return nil, fmt.Errorf("sku %s: price and tickets must be positive", id)
		}
	}

	return skus, nil
}
