package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/scheduler"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FlowPipe state data
	DefaultStateDir = "/var/lib/flowpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "flowpipe.db"
	// DefaultWhatsAppDBFileName holds the whatsmeow session
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// Channel names accepted by CHANNEL.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelTwilio   = "twilio"
	ChannelMock     = "mock"
)

// Config holds environment configuration, overridden by flags.
type Config struct {
	StateDir       string
	DatabaseURL    string
	FlowsDir       string
	CommandsFile   string
	MatchFilesDir  string
	WebviewsFile   string
	DefaultFlowURI string
	ErrorMessage   string
	DefaultTZ      float64
	APIAddr        string

	Channel          string
	WhatsAppDSN      string
	QROutput         string
	NumericCode      bool
	TwilioWebhookURL string

	OpenAIKey   string
	OpenAIModel string
	NLPEnabled  bool

	RedisURL     string
	AMQPURL      string
	AMQPExchange string

	SchedulerEnabled  bool
	SchedulerInterval time.Duration

	LogLevel  string
	LogFormat string
}

// loadEnvironmentConfig loads configuration from a .env file and environment variables.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	cfg := Config{
		StateDir:          util.StringEnv("FLOWPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		FlowsDir:          os.Getenv("FLOWS_DIR"),
		CommandsFile:      os.Getenv("COMMANDS_FILE"),
		MatchFilesDir:     os.Getenv("MATCH_FILES_DIR"),
		WebviewsFile:      os.Getenv("WEBVIEWS_FILE"),
		DefaultFlowURI:    util.StringEnv("DEFAULT_FLOW_URI", flow.DefaultFlowURI),
		ErrorMessage:      os.Getenv("DEFAULT_ERROR_MESSAGE"),
		DefaultTZ:         util.ParseFloatEnv("DEFAULT_TIMEZONE_UTC_OFFSET", 0),
		APIAddr:           util.StringEnv("API_ADDR", ":8080"),
		Channel:           util.StringEnv("CHANNEL", ChannelWhatsApp),
		WhatsAppDSN:       os.Getenv("WHATSAPP_DB_DSN"),
		QROutput:          os.Getenv("WHATSAPP_QR_OUTPUT"),
		NumericCode:       util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false),
		TwilioWebhookURL:  os.Getenv("TWILIO_WEBHOOK_URL"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       os.Getenv("OPENAI_MODEL"),
		NLPEnabled:        util.ParseBoolEnv("NLP_ENABLED", false),
		RedisURL:          os.Getenv("REDIS_URL"),
		AMQPURL:           os.Getenv("AMQP_URL"),
		AMQPExchange:      os.Getenv("AMQP_EXCHANGE"),
		SchedulerEnabled:  util.ParseBoolEnv("SCHEDULER_ENABLED", true),
		SchedulerInterval: util.ParseDurationEnv("SCHEDULER_INTERVAL", scheduler.DefaultInterval),
		LogLevel:          util.StringEnv("LOG_LEVEL", "INFO"),
		LogFormat:         util.StringEnv("LOG_FORMAT", "json"),
	}
	slog.Debug("environment variables loaded",
		"FLOWPIPE_STATE_DIR", cfg.StateDir,
		"DATABASE_URL_SET", cfg.DatabaseURL != "",
		"CHANNEL", cfg.Channel,
		"OPENAI_API_KEY_SET", cfg.OpenAIKey != "",
		"REDIS_URL_SET", cfg.RedisURL != "",
		"AMQP_URL_SET", cfg.AMQPURL != "",
		"API_ADDR", cfg.APIAddr)
	return cfg
}

// bindFlags registers flags that override cfg. Defaults come from the environment.
func bindFlags(cmd *cobra.Command, cfg *Config) {
	f := cmd.PersistentFlags()
	f.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for FlowPipe data (overrides $FLOWPIPE_STATE_DIR)")
	f.StringVar(&cfg.DatabaseURL, "db-dsn", cfg.DatabaseURL, "Postgres URL or SQLite path (overrides $DATABASE_URL)")
	f.StringVar(&cfg.FlowsDir, "flows-dir", cfg.FlowsDir, "directory of static flow YAML files (overrides $FLOWS_DIR)")
	f.StringVar(&cfg.CommandsFile, "commands-file", cfg.CommandsFile, "YAML commands file (overrides $COMMANDS_FILE)")
	f.StringVar(&cfg.MatchFilesDir, "match-files-dir", cfg.MatchFilesDir, "directory of match files (overrides $MATCH_FILES_DIR)")
	f.StringVar(&cfg.WebviewsFile, "webviews-file", cfg.WebviewsFile, "YAML list of webviews (overrides $WEBVIEWS_FILE)")
	f.StringVar(&cfg.DefaultFlowURI, "default-flow", cfg.DefaultFlowURI, "flow idle users enter (overrides $DEFAULT_FLOW_URI)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "DEBUG, INFO, WARN or ERROR (overrides $LOG_LEVEL)")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json or text (overrides $LOG_FORMAT)")
}

func bindServeFlags(cmd *cobra.Command, cfg *Config) {
	f := cmd.Flags()
	f.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	f.StringVar(&cfg.Channel, "channel", cfg.Channel, "whatsapp, twilio or mock (overrides $CHANNEL)")
	f.StringVar(&cfg.QROutput, "qr-output", cfg.QROutput, "path to write login QR code")
	f.BoolVar(&cfg.NumericCode, "numeric-code", cfg.NumericCode, "use numeric login code instead of QR code")
	f.StringVar(&cfg.OpenAIKey, "openai-api-key", cfg.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	f.BoolVar(&cfg.NLPEnabled, "nlp", cfg.NLPEnabled, "enable intent matching for commands (overrides $NLP_ENABLED)")
	f.BoolVar(&cfg.SchedulerEnabled, "scheduler", cfg.SchedulerEnabled, "run the task scheduler (overrides $SCHEDULER_ENABLED)")
	f.DurationVar(&cfg.SchedulerInterval, "scheduler-interval", cfg.SchedulerInterval, "task polling interval (overrides $SCHEDULER_INTERVAL)")
}

// storeDSN resolves the application database: DATABASE_URL, else SQLite in the state dir.
func (c Config) storeDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultDBFileName)
}

// whatsAppDSN resolves the whatsmeow session database, kept apart from application data.
func (c Config) whatsAppDSN() string {
	if c.WhatsAppDSN != "" {
		return c.WhatsAppDSN
	}
	return filepath.Join(c.StateDir, DefaultWhatsAppDBFileName)
}

// initializeLogger configures the default slog logger.
func initializeLogger(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// loadWebviews reads a YAML list of webviews. An empty path yields none.
func loadWebviews(path string) ([]models.Webview, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read webviews file %s: %w", path, err)
	}
	var webviews []models.Webview
	if err := yaml.Unmarshal(data, &webviews); err != nil {
		return nil, fmt.Errorf("parse webviews file %s: %w", path, err)
	}
	for i, wv := range webviews {
		if wv.Name == "" || wv.URL == "" {
			return nil, fmt.Errorf("webview %d in %s needs a name and url", i, path)
		}
	}
	return webviews, nil
}
