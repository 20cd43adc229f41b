package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/BTreeMap/MediBot/internal/api"
	"github.com/BTreeMap/MediBot/internal/genai"
	"github.com/BTreeMap/MediBot/internal/jitai"
	"github.com/BTreeMap/MediBot/internal/store"
	"github.com/BTreeMap/MediBot/internal/twiliowhatsapp"
	"github.com/BTreeMap/MediBot/internal/util"
	"github.com/BTreeMap/MediBot/internal/whatsapp"
)

const (
	// DefaultStateDir holds the lock file, the SQLite databases and oracle debug logs.
	DefaultStateDir = "/var/lib/medibot"
	// DefaultAppDBFileName is the SQLite store used when DATABASE_URL is unset.
	DefaultAppDBFileName = "medibot.db"
	DefaultMorningCron   = "0 8 * * *"
	DefaultEveningCron   = "0 19 * * *"

	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"
)

// Config is the merged environment and flag configuration.
type Config struct {
	StateDir         string
	DatabaseURL      string
	WhatsAppDSN      string
	OpenAIKey        string
	Model            string
	Temperature      float64
	OracleTimeout    time.Duration
	GenAIDebug       bool
	SystemPromptFile string
	APIAddr          string
	Transport        string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	TwilioWebhookURL string
	QROutput         string
	NumericCode      bool
	WhatsAppLogLevel string
	MorningCron      string
	EveningCron      string
	Timezone         string
	PolicyGuard      string
	Concurrency      int
	LogLevel         string
}

// loadEnvironmentConfig reads .env (when present) and the environment.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("main: no .env file loaded", "error", err)
	}

	cfg := Config{
		StateDir:         util.StringEnv("MEDIBOT_STATE_DIR", DefaultStateDir),
		DatabaseURL:      util.StringEnv("DATABASE_URL", ""),
		WhatsAppDSN:      util.StringEnv("WHATSAPP_DB_DSN", ""),
		OpenAIKey:        util.StringEnv("OPENAI_API_KEY", ""),
		Model:            util.StringEnv("OPENAI_MODEL", genai.DefaultModel),
		Temperature:      util.ParseFloatEnv("OPENAI_TEMPERATURE", genai.DefaultTemperature),
		OracleTimeout:    util.ParseDurationEnv("OPENAI_TIMEOUT", genai.DefaultTimeout),
		GenAIDebug:       util.ParseBoolEnv("GENAI_DEBUG", false),
		SystemPromptFile: util.StringEnv("MEDIBOT_SYSTEM_PROMPT_FILE", ""),
		APIAddr:          util.StringEnv("API_ADDR", api.DefaultAddr),
		Transport:        strings.ToLower(util.StringEnv("MEDIBOT_TRANSPORT", TransportWhatsApp)),
		TwilioAccountSID: util.StringEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  util.StringEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFrom:       util.StringEnv("TWILIO_FROM_NUMBER", ""),
		TwilioWebhookURL: util.StringEnv("TWILIO_WEBHOOK_URL", ""),
		NumericCode:      util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false),
		WhatsAppLogLevel: util.StringEnv("WHATSAPP_LOG_LEVEL", whatsapp.DefaultLogLevel),
		MorningCron:      util.StringEnv("MEDIBOT_MORNING_CRON", DefaultMorningCron),
		EveningCron:      util.StringEnv("MEDIBOT_EVENING_CRON", DefaultEveningCron),
		Timezone:         util.StringEnv("MEDIBOT_TIMEZONE", ""),
		PolicyGuard:      util.StringEnv("MEDIBOT_POLICY_GUARD", string(jitai.GuardOverride)),
		Concurrency:      jitai.DefaultConcurrency,
		LogLevel:         util.StringEnv("MEDIBOT_LOG_LEVEL", "debug"),
	}

	slog.Debug("main: environment loaded",
		"MEDIBOT_STATE_DIR", cfg.StateDir,
		"DATABASE_URL_set", cfg.DatabaseURL != "",
		"WHATSAPP_DB_DSN_set", cfg.WhatsAppDSN != "",
		"OPENAI_API_KEY_set", cfg.OpenAIKey != "",
		"OPENAI_MODEL", cfg.Model,
		"MEDIBOT_TRANSPORT", cfg.Transport,
		"TWILIO_AUTH_TOKEN_set", cfg.TwilioAuthToken != "",
		"API_ADDR", cfg.APIAddr)
	return cfg
}

// bindFlags registers flags that default to the environment values in cfg.
func bindFlags(cmd *cobra.Command, cfg *Config) {
	f := cmd.PersistentFlags()
	f.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory (overrides $MEDIBOT_STATE_DIR)")
	f.StringVar(&cfg.DatabaseURL, "db-dsn", cfg.DatabaseURL, "store DSN, postgres URL or SQLite path (overrides $DATABASE_URL)")
	f.StringVar(&cfg.WhatsAppDSN, "whatsapp-db-dsn", cfg.WhatsAppDSN, "whatsmeow session DSN (overrides $WHATSAPP_DB_DSN)")
	f.StringVar(&cfg.OpenAIKey, "openai-api-key", cfg.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	f.StringVar(&cfg.Model, "model", cfg.Model, "oracle model (overrides $OPENAI_MODEL)")
	f.Float64Var(&cfg.Temperature, "temperature", cfg.Temperature, "sampling temperature (overrides $OPENAI_TEMPERATURE)")
	f.DurationVar(&cfg.OracleTimeout, "oracle-timeout", cfg.OracleTimeout, "per-call oracle timeout (overrides $OPENAI_TIMEOUT)")
	f.BoolVar(&cfg.GenAIDebug, "genai-debug", cfg.GenAIDebug, "write oracle call logs under the state dir (overrides $GENAI_DEBUG)")
	f.StringVar(&cfg.SystemPromptFile, "system-prompt-file", cfg.SystemPromptFile, "file replacing the built-in system instruction")
	f.StringVar(&cfg.Timezone, "timezone", cfg.Timezone, "default participant timezone (overrides $MEDIBOT_TIMEZONE)")
	f.StringVar(&cfg.PolicyGuard, "policy-guard", cfg.PolicyGuard, "override, reject or off (overrides $MEDIBOT_POLICY_GUARD)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (overrides $MEDIBOT_LOG_LEVEL)")
}

// bindServeFlags registers the flags only serve uses.
func bindServeFlags(cmd *cobra.Command, cfg *Config) {
	f := cmd.Flags()
	f.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "admin API address (overrides $API_ADDR)")
	f.StringVar(&cfg.Transport, "transport", cfg.Transport, "whatsapp or twilio (overrides $MEDIBOT_TRANSPORT)")
	f.StringVar(&cfg.TwilioAccountSID, "twilio-account-sid", cfg.TwilioAccountSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)")
	f.StringVar(&cfg.TwilioAuthToken, "twilio-auth-token", cfg.TwilioAuthToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)")
	f.StringVar(&cfg.TwilioFrom, "twilio-from", cfg.TwilioFrom, "Twilio WhatsApp sender number (overrides $TWILIO_FROM_NUMBER)")
	f.StringVar(&cfg.TwilioWebhookURL, "twilio-webhook-url", cfg.TwilioWebhookURL, "public webhook URL; enables signature checks (overrides $TWILIO_WEBHOOK_URL)")
	f.StringVar(&cfg.QROutput, "qr-output", cfg.QROutput, "file to write the WhatsApp login QR code to")
	f.BoolVar(&cfg.NumericCode, "numeric-code", cfg.NumericCode, "print the pairing code instead of rendering a QR code")
	f.StringVar(&cfg.MorningCron, "morning-cron", cfg.MorningCron, "morning decision point schedule (overrides $MEDIBOT_MORNING_CRON)")
	f.StringVar(&cfg.EveningCron, "evening-cron", cfg.EveningCron, "evening decision point schedule (overrides $MEDIBOT_EVENING_CRON)")
	f.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "participants decided in parallel per decision point")
}

// validate checks the settings every command depends on.
func (c Config) validate() error {
	if _, err := jitai.ParsePolicyGuard(c.PolicyGuard); err != nil {
		return err
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
		}
	}
	switch c.Transport {
	case TransportWhatsApp, TransportTwilio:
	default:
		return fmt.Errorf("unknown transport %q (want %s or %s)", c.Transport, TransportWhatsApp, TransportTwilio)
	}
	return nil
}

// location returns the default participant timezone, or nil for the process default.
func (c Config) location() *time.Location {
	if c.Timezone == "" {
		return nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil
	}
	return loc
}

// storeDSN returns DATABASE_URL, or a SQLite file in the state directory.
func (c Config) storeDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultAppDBFileName)
}

func buildStoreOptions(c Config) []store.Option {
	dsn := c.storeDSN()
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("main: postgres store selected", "dsn_set", true)
		return []store.Option{store.WithPostgresDSN(dsn)}
	}
	slog.Debug("main: sqlite store selected", "path", dsn)
	return []store.Option{store.WithSQLiteDSN(dsn)}
}

func buildGenAIOptions(c Config) []genai.Option {
	opts := []genai.Option{
		genai.WithModel(c.Model),
		genai.WithTemperature(c.Temperature),
		genai.WithTimeout(c.OracleTimeout),
		genai.WithStateDir(c.StateDir),
		genai.WithDebugMode(c.GenAIDebug),
	}
	if c.OpenAIKey != "" {
		opts = append(opts, genai.WithAPIKey(c.OpenAIKey))
	}
	return opts
}

func buildWhatsAppOptions(c Config) []whatsapp.Option {
	opts := []whatsapp.Option{whatsapp.WithStateDir(c.StateDir), whatsapp.WithLogLevel(c.WhatsAppLogLevel)}
	if c.WhatsAppDSN != "" {
		opts = append(opts, whatsapp.WithDBDSN(c.WhatsAppDSN))
	} else if c.DatabaseURL != "" && store.DetectDSNType(c.DatabaseURL) == "postgres" {
		// Share the application Postgres database; SQLite stays in separate files.
		opts = append(opts, whatsapp.WithDBDSN(c.DatabaseURL))
	}
	if c.QROutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(c.QROutput))
	}
	if c.NumericCode {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

func buildTwilioOptions(c Config) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if c.TwilioAccountSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(c.TwilioAccountSID))
	}
	if c.TwilioAuthToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(c.TwilioAuthToken))
	}
	if c.TwilioFrom != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(c.TwilioFrom))
	}
	return opts
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}
