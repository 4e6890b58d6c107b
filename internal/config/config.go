// Package config loads the quikbridge YAML configuration and applies
// environment variable overrides.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the quikbridge platform.
type Config struct {
	QUIK    QUIK       `yaml:"quik"`
	Account Account    `yaml:"account"`
	Storage Storage    `yaml:"storage"`
	Logging Logging    `yaml:"logging"`
	Session Session    `yaml:"session"`
	Replies Classifier `yaml:"replies"`
}

// QUIK holds the connection parameters for the terminal's LUA bridge.
type QUIK struct {
	Host            string `yaml:"host"`
	RequestsPort    int    `yaml:"requests_port"`
	CallbacksPort   int    `yaml:"callbacks_port"`
	StopSteps       int    `yaml:"stop_steps"`        // slippage margin in min price steps
	TransPerSecond  int    `yaml:"trans_per_second"`  // outbound transaction rate limit
	FuturesClass    string `yaml:"futures_class"`     // venue class for derivatives
	BondClass       string `yaml:"bond_class"`        // venue class with prices quoted ×10
	RequestTimeoutS int    `yaml:"request_timeout_s"` // per-request deadline, seconds
}

// Account identifies the single logical trading account driven by the engine.
type Account struct {
	ClientCode     string `yaml:"client_code"`
	FirmID         string `yaml:"firm_id"`
	TradeAccountID string `yaml:"trade_account_id"`
	LimitKind      int    `yaml:"limit_kind"`
	CurrencyCode   string `yaml:"currency_code"`
	Futures        bool   `yaml:"futures"`       // futures accounts use their own limit tables
	UsePositions   bool   `yaml:"use_positions"` // preload current holdings at startup
	Lots           bool   `yaml:"lots"`          // incoming balances are quoted in lots
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Session is the daily trading window on the exchange clock, used by the bar
// feed to drop out-of-session candles.
type Session struct {
	StartHour int `yaml:"start_hour"`
	StartMin  int `yaml:"start_min"`
	EndHour   int `yaml:"end_hour"`
	EndMin    int `yaml:"end_min"`
}

// Classifier is the transaction-reply classification table. The terminal
// reports transaction outcomes as a numeric status plus a human-readable
// message; which message substrings mean accepted or cancelled is specific to
// the broker's message catalog, so the trigger strings live in configuration
// rather than code. Defaults() matches the stock QUIK catalog.
type Classifier struct {
	AcceptedSubstr  string       `yaml:"accepted_substr"`
	AcceptedStatus  int          `yaml:"accepted_status"`
	CanceledSubstr  string       `yaml:"canceled_substr"`
	FailureStatuses []int        `yaml:"failure_statuses"`
	MarginStatus    int          `yaml:"margin_status"`
	Benign          []BenignRule `yaml:"benign"`
}

// BenignRule marks a failure reply that must be swallowed without a status
// change: the cancel/ack races and rate-limited cancels that resolve
// themselves.
type BenignRule struct {
	Status int    `yaml:"status"`
	Substr string `yaml:"substr"`
}

// ---------------------------------------------------------------------------
// Defaults and loading
// ---------------------------------------------------------------------------

// Default returns a Config populated with the stock QUIK terminal values.
func Default() *Config {
	return &Config{
		QUIK: QUIK{
			Host:            "127.0.0.1",
			RequestsPort:    34130,
			CallbacksPort:   34131,
			StopSteps:       10,
			TransPerSecond:  10,
			FuturesClass:    "SPBFUT",
			BondClass:       "TQOB",
			RequestTimeoutS: 10,
		},
		Account: Account{
			FirmID:         "SPBFUT",
			TradeAccountID: "SPBFUT00PST",
			CurrencyCode:   "SUR",
			Futures:        true,
			UsePositions:   true,
			Lots:           true,
		},
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/quikbridge.db",
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Session: Session{StartHour: 10, EndHour: 23, EndMin: 50},
		Replies: Classifier{
			AcceptedSubstr:  "зарегистрирована",
			AcceptedStatus:  15,
			CanceledSubstr:  "снята",
			FailureStatuses: []int{2, 4, 5, 10, 11, 12, 13, 14, 16},
			MarginStatus:    6,
			Benign: []BenignRule{
				{Status: 4, Substr: "Не найдена заявка"},
				{Status: 5, Substr: "не можете снять"},
				{Status: 10, Substr: "лимит"},
			},
		},
	}
}

// Load reads the YAML configuration file at the given path on top of the
// defaults, parses it into a Config struct, and then applies environment
// variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("QUIK_HOST"); v != "" {
		cfg.QUIK.Host = v
	}
	if v := os.Getenv("QUIK_REQUESTS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.QUIK.RequestsPort = p
		}
	}
	if v := os.Getenv("QUIK_CALLBACKS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.QUIK.CallbacksPort = p
		}
	}

	if v := os.Getenv("QUIK_CLIENT_CODE"); v != "" {
		cfg.Account.ClientCode = v
	}
	if v := os.Getenv("QUIK_FIRM_ID"); v != "" {
		cfg.Account.FirmID = v
	}
	if v := os.Getenv("QUIK_TRADE_ACCOUNT"); v != "" {
		cfg.Account.TradeAccountID = v
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
