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

	"github.com/BTreeMap/FlowPipe/internal/collab"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/store"
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
	// DefaultPollInterval is how often the job runner and outbox sender poll
	DefaultPollInterval = 2 * time.Second
)

// Transports accepted by --transport.
const (
	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"
)

// Config holds every setting of the FlowPipe commands. Environment variables
// provide the defaults; command line flags override them.
type Config struct {
	LogLevel string
	StateDir string
	DBDSN    string
	FlowsDir string

	Transport     string
	WhatsAppDSN   string
	QROutput      string
	NumericCode   bool
	APIAddr       string
	CallbackToken string

	AMQPURL        string
	AMQPExchange   string
	StaffDirectory string

	GatewayURL      string
	GatewayKey      string
	GatewayCallback string
	GatewayTimeout  time.Duration

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOPrefix    string
	MinIOUseSSL    bool

	PublicBaseURL   string
	AdminNumber     string
	HandoverTimeout time.Duration
	MaxIterations   int
	RecoveryFlow    string
	IntakeWorkers   int
	PollInterval    time.Duration
}

// loadDotEnv loads a .env file from the working directory when present.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}
}

// configFromEnv reads the environment defaults.
func configFromEnv() Config {
	cfg := Config{
		LogLevel: util.EnvOr("FLOWPIPE_LOG_LEVEL", "info"),
		StateDir: util.EnvOr("FLOWPIPE_STATE_DIR", DefaultStateDir),
		DBDSN:    util.EnvOr("DATABASE_URL", ""),
		FlowsDir: util.EnvOr("FLOWPIPE_FLOWS_DIR", ""),

		Transport:     strings.ToLower(util.EnvOr("FLOWPIPE_TRANSPORT", TransportWhatsApp)),
		WhatsAppDSN:   util.EnvOr("WHATSAPP_DB_DSN", ""),
		NumericCode:   util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false),
		APIAddr:       util.EnvOr("API_ADDR", ":8080"),
		CallbackToken: util.EnvOr("PAYMENT_CALLBACK_TOKEN", ""),

		AMQPURL:        util.EnvOr("AMQP_URL", ""),
		AMQPExchange:   util.EnvOr("AMQP_EXCHANGE", ""),
		StaffDirectory: util.EnvOr("STAFF_DIRECTORY", ""),

		GatewayURL:      util.EnvOr("PAYMENT_GATEWAY_URL", ""),
		GatewayKey:      util.EnvOr("PAYMENT_GATEWAY_API_KEY", ""),
		GatewayCallback: util.EnvOr("PAYMENT_CALLBACK_URL", ""),
		GatewayTimeout:  util.ParseDurationEnv("PAYMENT_GATEWAY_TIMEOUT", collab.DefaultGatewayTimeout),

		MinIOEndpoint:  util.EnvOr("MINIO_ENDPOINT", ""),
		MinIOAccessKey: util.EnvOr("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey: util.EnvOr("MINIO_SECRET_KEY", ""),
		MinIOBucket:    util.EnvOr("MINIO_BUCKET", ""),
		MinIOPrefix:    util.EnvOr("MINIO_PREFIX", ""),
		MinIOUseSSL:    util.ParseBoolEnv("MINIO_USE_SSL", true),

		PublicBaseURL:   util.EnvOr("PUBLIC_BASE_URL", ""),
		AdminNumber:     util.EnvOr("ADMIN_PHONE_NUMBER", ""),
		HandoverTimeout: util.ParseDurationEnv("HANDOVER_TIMEOUT", flow.DefaultHandoverTimeout),
		MaxIterations:   flow.DefaultMaxIterations,
		RecoveryFlow:    util.EnvOr("FLOWPIPE_RECOVERY_FLOW", flow.DefaultRecoveryFlow),
		IntakeWorkers:   4,
		PollInterval:    util.ParseDurationEnv("FLOWPIPE_POLL_INTERVAL", DefaultPollInterval),
	}
	slog.Debug("environment variables loaded",
		"FLOWPIPE_STATE_DIR", cfg.StateDir,
		"DATABASE_URL_SET", cfg.DBDSN != "",
		"FLOWPIPE_FLOWS_DIR", cfg.FlowsDir,
		"FLOWPIPE_TRANSPORT", cfg.Transport,
		"AMQP_URL_SET", cfg.AMQPURL != "",
		"PAYMENT_GATEWAY_URL", cfg.GatewayURL,
		"MINIO_ENDPOINT", cfg.MinIOEndpoint)
	return cfg
}

// bindPersistentFlags adds the settings shared by every command.
func bindPersistentFlags(cmd *cobra.Command, cfg *Config) {
	f := cmd.PersistentFlags()
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error (overrides $FLOWPIPE_LOG_LEVEL)")
	f.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for FlowPipe data (overrides $FLOWPIPE_STATE_DIR)")
	f.StringVar(&cfg.DBDSN, "db-dsn", cfg.DBDSN, "PostgreSQL DSN or SQLite path; defaults to flowpipe.db in the state directory (overrides $DATABASE_URL)")
	f.StringVar(&cfg.FlowsDir, "flows-dir", cfg.FlowsDir, "directory of YAML/JSON flow definitions (overrides $FLOWPIPE_FLOWS_DIR)")
}

// bindServeFlags adds the settings only serve uses.
func bindServeFlags(cmd *cobra.Command, cfg *Config) {
	f := cmd.Flags()
	f.StringVar(&cfg.Transport, "transport", cfg.Transport, "messaging transport: whatsapp or twilio (overrides $FLOWPIPE_TRANSPORT)")
	f.StringVar(&cfg.WhatsAppDSN, "whatsapp-db-dsn", cfg.WhatsAppDSN, "whatsmeow session database (overrides $WHATSAPP_DB_DSN)")
	f.StringVar(&cfg.QROutput, "qr-output", cfg.QROutput, "path to write the login QR code")
	f.BoolVar(&cfg.NumericCode, "numeric-code", cfg.NumericCode, "use a numeric login code instead of a QR code")
	f.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	f.StringVar(&cfg.CallbackToken, "callback-token", cfg.CallbackToken, "bearer token required on payment callbacks (overrides $PAYMENT_CALLBACK_TOKEN)")

	f.StringVar(&cfg.AMQPURL, "amqp-url", cfg.AMQPURL, "RabbitMQ URL for staff notifications (overrides $AMQP_URL)")
	f.StringVar(&cfg.AMQPExchange, "amqp-exchange", cfg.AMQPExchange, "exchange for staff notifications (overrides $AMQP_EXCHANGE)")
	f.StringVar(&cfg.StaffDirectory, "staff-directory", cfg.StaffDirectory, `staff WhatsApp numbers, "Group=num,num;Other=num" (overrides $STAFF_DIRECTORY)`)

	f.StringVar(&cfg.GatewayURL, "gateway-url", cfg.GatewayURL, "payment gateway base URL (overrides $PAYMENT_GATEWAY_URL)")
	f.StringVar(&cfg.GatewayKey, "gateway-api-key", cfg.GatewayKey, "payment gateway API key (overrides $PAYMENT_GATEWAY_API_KEY)")
	f.StringVar(&cfg.GatewayCallback, "gateway-callback-url", cfg.GatewayCallback, "URL the gateway posts outcomes to (overrides $PAYMENT_CALLBACK_URL)")
	f.DurationVar(&cfg.GatewayTimeout, "gateway-timeout", cfg.GatewayTimeout, "payment gateway request timeout (overrides $PAYMENT_GATEWAY_TIMEOUT)")

	f.StringVar(&cfg.MinIOEndpoint, "minio-endpoint", cfg.MinIOEndpoint, "MinIO/S3 endpoint for media assets (overrides $MINIO_ENDPOINT)")
	f.StringVar(&cfg.MinIOAccessKey, "minio-access-key", cfg.MinIOAccessKey, "MinIO access key (overrides $MINIO_ACCESS_KEY)")
	f.StringVar(&cfg.MinIOSecretKey, "minio-secret-key", cfg.MinIOSecretKey, "MinIO secret key (overrides $MINIO_SECRET_KEY)")
	f.StringVar(&cfg.MinIOBucket, "minio-bucket", cfg.MinIOBucket, "bucket holding media assets (overrides $MINIO_BUCKET)")
	f.StringVar(&cfg.MinIOPrefix, "minio-prefix", cfg.MinIOPrefix, "key prefix of media assets (overrides $MINIO_PREFIX)")
	f.BoolVar(&cfg.MinIOUseSSL, "minio-use-ssl", cfg.MinIOUseSSL, "use TLS for MinIO (overrides $MINIO_USE_SSL)")

	f.StringVar(&cfg.PublicBaseURL, "public-base-url", cfg.PublicBaseURL, "base URL prepended to relative media links (overrides $PUBLIC_BASE_URL)")
	f.StringVar(&cfg.AdminNumber, "admin-number", cfg.AdminNumber, "WhatsApp number that receives admin messages (overrides $ADMIN_PHONE_NUMBER)")
	f.DurationVar(&cfg.HandoverTimeout, "handover-timeout", cfg.HandoverTimeout, "default wait for staff after a handover (overrides $HANDOVER_TIMEOUT)")
	f.IntVar(&cfg.MaxIterations, "max-iterations", cfg.MaxIterations, "step iterations allowed per inbound event")
	f.StringVar(&cfg.RecoveryFlow, "recovery-flow", cfg.RecoveryFlow, "flow entered when a reply does not match (overrides $FLOWPIPE_RECOVERY_FLOW)")
	f.IntVar(&cfg.IntakeWorkers, "intake-workers", cfg.IntakeWorkers, "concurrent inbound event workers")
	f.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "job and outbox poll interval (overrides $FLOWPIPE_POLL_INTERVAL)")
}

// resolvePaths fills path defaults that depend on the state directory and
// checks values the flags cannot.
func (c *Config) resolvePaths() error {
	if c.DBDSN == "" {
		c.DBDSN = filepath.Join(c.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", c.DBDSN)
	}
	if c.WhatsAppDSN == "" {
		c.WhatsAppDSN = filepath.Join(c.StateDir, DefaultWhatsAppDBFileName)
	}
	switch c.Transport {
	case TransportWhatsApp, TransportTwilio:
	default:
		return fmt.Errorf("unknown transport %q: want %s or %s", c.Transport, TransportWhatsApp, TransportTwilio)
	}
	if c.IntakeWorkers <= 0 {
		return fmt.Errorf("intake workers must be positive, got %d", c.IntakeWorkers)
	}
	return nil
}

// ensureDirectoriesExist creates the directories file-based databases live in.
func ensureDirectoriesExist(cfg Config) error {
	for _, dsn := range []string{cfg.DBDSN, cfg.WhatsAppDSN} {
		if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
			continue
		}
		dir := filepath.Dir(strings.TrimPrefix(strings.SplitN(dsn, "?", 2)[0], "file:"))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// parseLogLevel maps a level name to slog.Level.
func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// initializeLogger installs the default text logger at level.
func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}
