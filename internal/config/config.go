package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"

	"github.com/pollmesh/pollmesh/internal/origin"
)

const (
	envVarListenAddr      = "POLLMESH_LISTEN_ADDR"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "POLLMESH_LOG_FORMAT"
	envVarLogLevel        = "POLLMESH_LOG_LEVEL"
	envVarMode            = "POLLMESH_MODE"
	envVarShutdownTimeout = "POLLMESH_SHUTDOWN_TIMEOUT"

	// Store backend selection.
	envVarStoreBackend  = "POLLMESH_STORE_BACKEND"
	envVarRedisAddr     = "POLLMESH_REDIS_ADDR"
	envVarRedisPassword = "POLLMESH_REDIS_PASSWORD"
	envVarRedisDB       = "POLLMESH_REDIS_DB"
	envVarDynamoTable   = "POLLMESH_DYNAMODB_TABLE"

	// Signaling rate limiting.
	envVarMaxSignalsPerSecond = "MAX_SIGNALS_PER_SECOND"
	envVarSignalBurst         = "SIGNAL_BURST"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"

	DefaultListenAddr          = "127.0.0.1:8080"
	DefaultShutdown            = 15 * time.Second
	DefaultMode           Mode = ModeDev
	DefaultRedisAddr           = "127.0.0.1:6379"
	DefaultDynamoTable         = "pollmesh-signaling"

	// DefaultMaxSignalsPerSecond bounds signal sends per participant. Offer,
	// answer, and a trickle of candidates fit comfortably; a runaway client
	// loop does not.
	DefaultMaxSignalsPerSecond = 25
	DefaultSignalBurst         = 50

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "pollmesh"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type StoreBackend string

const (
	StoreBackendMemory   StoreBackend = "memory"
	StoreBackendRedis    StoreBackend = "redis"
	StoreBackendDynamoDB StoreBackend = "dynamodb"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	StoreBackend  StoreBackend
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DynamoTable   string

	// MaxSignalsPerSecond and SignalBurst bound signal sends per participant.
	// A value <= 0 disables limiting.
	MaxSignalsPerSecond int
	SignalBurst         int

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// Load reads configuration from a .env file (if present), the environment,
// and command-line flag overrides, in increasing precedence.
func Load(args []string) (Config, error) {
	_ = godotenv.Load()
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	logFormatDefault := envLogFormat
	if !envLogFormatOK || envLogFormat == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	logLevelDefault := envLogLevel
	if !envLogLevelOK || envLogLevel == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	storeBackendStr := envOrDefault(lookup, envVarStoreBackend, string(StoreBackendMemory))
	redisAddr := envOrDefault(lookup, envVarRedisAddr, DefaultRedisAddr)
	redisPassword := envOrDefault(lookup, envVarRedisPassword, "")
	dynamoTable := envOrDefault(lookup, envVarDynamoTable, DefaultDynamoTable)

	redisDB, err := envIntOrDefault(lookup, envVarRedisDB, 0)
	if err != nil {
		return Config{}, err
	}
	maxSignalsPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalsPerSecond, DefaultMaxSignalsPerSecond)
	if err != nil {
		return Config{}, err
	}
	signalBurst, err := envIntOrDefault(lookup, envVarSignalBurst, DefaultSignalBurst)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout := DefaultShutdown
	if raw, ok := lookup(envVarShutdownTimeout); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTRealm := envOrDefault(lookup, envVarTURNRESTRealm, "")

	fs := flag.NewFlagSet("pollmesh", flag.ContinueOnError)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "host:port the HTTP server binds to")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "comma-separated list of allowed browser origins")
	modeStr := fs.String("mode", modeDefault, "dev or prod")
	logFormatStr := fs.String("log-format", logFormatDefault, "text or json")
	logLevelStr := fs.String("log-level", logLevelDefault, "debug, info, warn, or error")
	fs.StringVar(&storeBackendStr, "store", storeBackendStr, "store backend: memory, redis, or dynamodb")
	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "redis host:port")
	fs.StringVar(&dynamoTable, "dynamodb-table", dynamoTable, "dynamodb table name")
	fs.IntVar(&maxSignalsPerSecond, "max-signals-per-second", maxSignalsPerSecond, "per-participant signal rate limit (<=0 disables)")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "graceful shutdown deadline")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(*modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(*logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(*logLevelStr)
	if err != nil {
		return Config{}, err
	}
	storeBackend, err := parseStoreBackend(storeBackendStr)
	if err != nil {
		return Config{}, err
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envVarAllowedOrigins, err)
	}

	cfg := Config{
		ListenAddr:          listenAddr,
		AllowedOrigins:      allowedOrigins,
		LogFormat:           logFormat,
		LogLevel:            logLevel,
		ShutdownTimeout:     shutdownTimeout,
		Mode:                mode,
		StoreBackend:        storeBackend,
		RedisAddr:           redisAddr,
		RedisPassword:       redisPassword,
		RedisDB:             redisDB,
		DynamoTable:         dynamoTable,
		MaxSignalsPerSecond: maxSignalsPerSecond,
		SignalBurst:         signalBurst,
		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
			Realm:          turnRESTRealm,
		},
	}

	// ICE configuration faults are carried, not fatal: the relay itself works
	// without ICE servers, only the /webrtc/ice endpoint degrades. Readiness
	// surfaces the error.
	iceServers, iceErr := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, cfg.TURNREST.Enabled())
	cfg.ICEServers = iceServers
	cfg.iceConfigErr = iceErr

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("%s must not be empty", envVarListenAddr)
	}
	if c.StoreBackend == StoreBackendRedis && strings.TrimSpace(c.RedisAddr) == "" {
		return fmt.Errorf("%s is required when %s=redis", envVarRedisAddr, envVarStoreBackend)
	}
	if c.StoreBackend == StoreBackendDynamoDB && strings.TrimSpace(c.DynamoTable) == "" {
		return fmt.Errorf("%s is required when %s=dynamodb", envVarDynamoTable, envVarStoreBackend)
	}
	if c.TURNREST.Enabled() && c.TURNREST.TTLSeconds <= 0 {
		return fmt.Errorf("%s must be positive", envVarTURNRESTTTLSeconds)
	}
	return nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseStoreBackend(raw string) (StoreBackend, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(StoreBackendMemory), "":
		return StoreBackendMemory, nil
	case string(StoreBackendRedis):
		return StoreBackendRedis, nil
	case string(StoreBackendDynamoDB), "dynamo":
		return StoreBackendDynamoDB, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarStoreBackend, raw,
			StoreBackendMemory, StoreBackendRedis, StoreBackendDynamoDB)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" || entry == "null" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}
