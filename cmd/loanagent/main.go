package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/api"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/genai"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/store"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/util"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for loan agent state data
	DefaultStateDir = "/var/lib/loanagent"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "loanagent.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Build module options
	waOpts := buildWhatsAppOptions(flags)
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	apiOpts := buildAPIOptions(flags)

	// Start the service
	slog.Info("Bootstrapping loan agent with configured modules")
	slog.Debug("Module options counts", "whatsapp", len(waOpts), "store", len(storeOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr, "backend", *flags.backend)
	if err := api.Run(waOpts, storeOpts, genaiOpts, apiOpts); err != nil {
		slog.Error("Loan agent failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Loan agent exited successfully")
}

// Config holds environment configuration
type Config struct {
	WhatsAppDSN      string
	DatabaseURL      string
	StateDir         string
	PromptDir        string
	Language         string
	OpenAIKey        string
	APIAddr          string
	Backend          string
	VerifyToken      string
	QueueURL         string
	FollowUpCron     string
	RetentionCron    string
	CloudAPIKey      string
	CloudAPINumberID string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	promptDir     *string
	language      *string
	dbDSN         *string
	openaiKey     *string
	apiAddr       *string
	backend       *string
	verifyToken   *string
	queueURL      *string
	followUpCron  *string
	retentionCron *string
}

// initializeLogger sets up structured logging. Debug level is the default;
// set LOANAGENT_DEBUG=false to quiet it down.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("LOANAGENT_DEBUG", true) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		StateDir:         os.Getenv("LOANAGENT_STATE_DIR"),
		PromptDir:        os.Getenv("LOANAGENT_PROMPT_DIR"),
		Language:         util.EnvOrDefault("LOANAGENT_LANGUAGE", "english"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		APIAddr:          os.Getenv("API_ADDR"),
		Backend:          os.Getenv("MESSAGING_BACKEND"),
		VerifyToken:      os.Getenv("WHATSAPP_VERIFY_TOKEN"),
		QueueURL:         os.Getenv("AMQP_URL"),
		FollowUpCron:     os.Getenv("FOLLOWUP_SCHEDULE"),
		RetentionCron:    os.Getenv("RETENTION_SCHEDULE"),
		CloudAPIKey:      os.Getenv("WHATSAPP_API_KEY"),
		CloudAPINumberID: os.Getenv("WHATSAPP_PHONE_NUMBER_ID"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No LOANAGENT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("LOANAGENT_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// Default to WhatsApp DSN if specific not set
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = config.DatabaseURL
		if config.DatabaseURL != "" {
			slog.Debug("Using DATABASE_URL as WHATSAPP_DB_DSN", "dsn_set", true)
		}
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDSN)
	}

	slog.Debug("environment variables loaded",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"LOANAGENT_STATE_DIR", config.StateDir,
		"LOANAGENT_PROMPT_DIR", config.PromptDir,
		"LOANAGENT_LANGUAGE", config.Language,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"MESSAGING_BACKEND", config.Backend,
		"WHATSAPP_VERIFY_TOKEN_SET", config.VerifyToken != "",
		"AMQP_URL_SET", config.QueueURL != "",
		"FOLLOWUP_SCHEDULE", config.FollowUpCron,
		"RETENTION_SCHEDULE", config.RetentionCron,
		"WHATSAPP_API_KEY_SET", config.CloudAPIKey != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:      flag.String("qr-output", "", "path to write login QR code (whatsmeow backend)"),
		numeric:       flag.Bool("numeric-code", false, "use numeric login code instead of QR code (whatsmeow backend)"),
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for loan agent data (overrides $LOANAGENT_STATE_DIR)"),
		promptDir:     flag.String("prompt-dir", config.PromptDir, "directory with prompt overrides (overrides $LOANAGENT_PROMPT_DIR)"),
		language:      flag.String("language", config.Language, "default conversation language (overrides $LOANAGENT_LANGUAGE)"),
		dbDSN:         flag.String("db-dsn", config.WhatsAppDSN, "database DSN for the store and WhatsApp session (overrides $WHATSAPP_DB_DSN or $DATABASE_URL)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		backend:       flag.String("backend", config.Backend, "messaging backend: cloudapi, whatsmeow or twilio (overrides $MESSAGING_BACKEND)"),
		verifyToken:   flag.String("verify-token", config.VerifyToken, "Cloud API webhook verification token (overrides $WHATSAPP_VERIFY_TOKEN)"),
		queueURL:      flag.String("queue-url", config.QueueURL, "AMQP broker URL for inbound messages (overrides $AMQP_URL)"),
		followUpCron:  flag.String("followup-cron", config.FollowUpCron, "cron schedule for the follow-up sweep (overrides $FOLLOWUP_SCHEDULE)"),
		retentionCron: flag.String("retention-cron", config.RetentionCron, "cron schedule for the interaction purge (overrides $RETENTION_SCHEDULE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"promptDir", *flags.promptDir,
		"language", *flags.language,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"backend", *flags.backend,
		"verifyTokenSet", *flags.verifyToken != "",
		"queueURL_set", *flags.queueURL != "",
		"followUpCron", *flags.followUpCron,
		"retentionCron", *flags.retentionCron)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.WhatsAppDSN && config.WhatsAppDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	// Ensure state directory exists if we're using a file-based DSN
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
		slog.Debug("State directory created successfully", "state_dir", stateDir)
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp client options (whatsmeow backend)
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.dbDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.dbDSN))
	}
	return waOpts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		// Check if it's a PostgreSQL DSN using the shared detection function
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			// Assume SQLite for file paths
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	config := loadCredentialConfig()

	apiOpts := []api.Option{api.WithStateDir(*flags.stateDir)}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.promptDir != "" {
		apiOpts = append(apiOpts, api.WithPromptDir(*flags.promptDir))
	}
	if *flags.language != "" {
		apiOpts = append(apiOpts, api.WithLanguage(*flags.language))
	}
	if *flags.backend != "" {
		apiOpts = append(apiOpts, api.WithBackend(*flags.backend))
	}
	if *flags.verifyToken != "" {
		apiOpts = append(apiOpts, api.WithVerifyToken(*flags.verifyToken))
	}
	if *flags.queueURL != "" {
		apiOpts = append(apiOpts, api.WithQueueURL(*flags.queueURL))
	}
	if *flags.followUpCron != "" {
		apiOpts = append(apiOpts, api.WithFollowUpSchedule(*flags.followUpCron))
	}
	if *flags.retentionCron != "" {
		apiOpts = append(apiOpts, api.WithRetentionSchedule(*flags.retentionCron))
	}
	if config.CloudAPIKey != "" && config.CloudAPINumberID != "" {
		apiOpts = append(apiOpts, api.WithWhatsAppCredentials(config.CloudAPIKey, config.CloudAPINumberID))
	}
	if config.TwilioAccountSID != "" {
		apiOpts = append(apiOpts, api.WithTwilioCredentials(config.TwilioAccountSID, config.TwilioAuthToken, config.TwilioFromNumber))
	}
	return apiOpts
}

// loadCredentialConfig re-reads backend credentials from the environment.
// Credentials are environment-only, never flags, so they stay out of
// process listings.
func loadCredentialConfig() Config {
	return Config{
		CloudAPIKey:      os.Getenv("WHATSAPP_API_KEY"),
		CloudAPINumberID: os.Getenv("WHATSAPP_PHONE_NUMBER_ID"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
	}
}
