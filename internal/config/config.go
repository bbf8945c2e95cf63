package config

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Port           string
	AllowedOrigins []string
	WSReadTimeout  time.Duration
	WSWriteTimeout time.Duration
	LogLevel       string
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64

	// Auth
	SkipAuth   bool
	OIDCIssuer string

	// Conversation store
	StoreBackend    string // memory, bolt, mongo, dynamo
	MongoURL        string
	MongoDatabase   string
	MongoCollection string
	BoltPath        string
	DynamoMode      string // local or aws
	DynamoEndpoint  string
	DynamoRegion    string
	DynamoTable     string

	// Script repository
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	ScriptMaxSteps int

	// Lead / live-agent API
	LeadAPIURL         string
	LeadLookupTimeout  time.Duration
	AgentLookupTimeout time.Duration

	// Telephony
	LiveKitURL             string
	LiveKitAPIKey          string
	LiveKitAPISecret       string
	SIPTrunkID             string
	SIPTransferNumber      string
	EgressFilepathTemplate string
	TransferTimeout        time.Duration
	TransferAnnounceDelay  time.Duration
	TransferSettleDelay    time.Duration
	RecordingStartTimeout  time.Duration

	// Recordings
	RecordingsDir      string
	RecordingsS3Bucket string
	RecordingsS3Prefix string
	AWSRegion          string

	// Session
	ReconnectWindow time.Duration
	ReconnectGrace  time.Duration

	// Evaluation worker
	EvalInterval      time.Duration
	EvalMinTurns      int
	EvalBatchSize     int
	EvalConcurrency   int
	EvalRatePerSecond float64
	EvalRecordingWait time.Duration
	GeminiAPIKey      string
	GeminiModel       string

	// Escalation
	EscalationURL string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173"), ","),
		LogLevel:       getEnv("LOG_LEVEL", "info"),

		OIDCIssuer: getEnv("OIDC_ISSUER", ""),

		StoreBackend:    getEnv("STORE_BACKEND", "memory"),
		MongoURL:        getEnv("MONGO_URL", "mongodb://localhost:27017"),
		MongoDatabase:   getEnv("MONGO_DATABASE", "asterisk"),
		MongoCollection: getEnv("MONGO_COLLECTION", "conversation_history"),
		BoltPath:        getEnv("BOLT_PATH", "recruitcall.db"),
		DynamoMode:      getEnv("DYNAMO_MODE", "local"),
		DynamoEndpoint:  getEnv("DYNAMO_ENDPOINT", "http://localhost:8000"),
		DynamoRegion:    getEnv("DYNAMO_REGION", "eu-central-1"),
		DynamoTable:     getEnv("DYNAMO_TABLE", "recruitcall-conversations"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		LeadAPIURL: getEnv("LEAD_API_URL", "http://localhost:8081"),

		LiveKitURL:             getEnv("LIVEKIT_URL", "http://localhost:7880"),
		LiveKitAPIKey:          getEnv("LIVEKIT_API_KEY", ""),
		LiveKitAPISecret:       getEnv("LIVEKIT_API_SECRET", ""),
		SIPTrunkID:             getEnv("SIP_TRUNK_ID", ""),
		SIPTransferNumber:      getEnv("SIP_TRANSFER_NUMBER", ""),
		EgressFilepathTemplate: getEnv("EGRESS_FILEPATH_TEMPLATE", "/out/{call_id}.mp3"),

		RecordingsDir:      getEnv("RECORDINGS_DIR", "/opt/greet/recordings"),
		RecordingsS3Bucket: getEnv("RECORDINGS_S3_BUCKET", ""),
		RecordingsS3Prefix: getEnv("RECORDINGS_S3_PREFIX", ""),
		AWSRegion:          getEnv("AWS_REGION", "eu-central-1"),

		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-2.5-flash"),

		EscalationURL: getEnv("ESCALATION_URL", ""),
	}

	var err error

	// Parse WebSocket timeouts
	wsReadTimeout, err := strconv.Atoi(getEnv("WS_READ_TIMEOUT", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_READ_TIMEOUT: %w", err)
	}
	config.WSReadTimeout = time.Duration(wsReadTimeout) * time.Second

	wsWriteTimeout, err := strconv.Atoi(getEnv("WS_WRITE_TIMEOUT", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_WRITE_TIMEOUT: %w", err)
	}
	config.WSWriteTimeout = time.Duration(wsWriteTimeout) * time.Second

	// Calculate WebSocket constants
	config.PongWait = config.WSReadTimeout
	config.PingPeriod = (config.PongWait * 9) / 10 // Must be less than pongWait
	config.WriteWait = config.WSWriteTimeout
	config.MaxMessageSize = 64 * 1024

	if config.SkipAuth, err = getBool("SKIP_AUTH", false); err != nil {
		return nil, err
	}
	if config.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if config.ScriptMaxSteps, err = getInt("SCRIPT_MAX_STEPS", 14); err != nil {
		return nil, err
	}
	if config.EvalMinTurns, err = getInt("EVAL_MIN_TURNS", 5); err != nil {
		return nil, err
	}
	if config.EvalBatchSize, err = getInt("EVAL_BATCH_SIZE", 50); err != nil {
		return nil, err
	}
	if config.EvalConcurrency, err = getInt("EVAL_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if config.EvalRatePerSecond, err = getFloat("EVAL_RATE_PER_SECOND", 2); err != nil {
		return nil, err
	}

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"LEAD_LOOKUP_TIMEOUT", "2s", &config.LeadLookupTimeout},
		{"AGENT_LOOKUP_TIMEOUT", "3s", &config.AgentLookupTimeout},
		{"TRANSFER_TIMEOUT", "10s", &config.TransferTimeout},
		{"TRANSFER_ANNOUNCE_DELAY", "2s", &config.TransferAnnounceDelay},
		{"TRANSFER_SETTLE_DELAY", "3s", &config.TransferSettleDelay},
		{"RECORDING_START_TIMEOUT", "10s", &config.RecordingStartTimeout},
		{"RECONNECT_WINDOW", "24h", &config.ReconnectWindow},
		{"RECONNECT_GRACE", "30s", &config.ReconnectGrace},
		{"EVAL_INTERVAL", "10s", &config.EvalInterval},
		{"EVAL_RECORDING_WAIT", "30m", &config.EvalRecordingWait},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	// the evaluation worker looks recordings up by the egress file's base name
	if !strings.Contains(path.Base(config.EgressFilepathTemplate), "{call_id}") {
		return nil, fmt.Errorf("invalid EGRESS_FILEPATH_TEMPLATE: file name must contain {call_id}")
	}

	if config.EvalInterval <= 0 {
		return nil, fmt.Errorf("invalid EVAL_INTERVAL: must be positive")
	}
	if config.EvalConcurrency < 1 {
		config.EvalConcurrency = 1
	}

	switch config.StoreBackend {
	case "memory", "bolt", "mongo", "dynamo":
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND: %q", config.StoreBackend)
	}

	// Trim spaces from allowed origins
	for i, origin := range config.AllowedOrigins {
		config.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	return config, nil
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	v, err := strconv.Atoi(getEnv(key, strconv.Itoa(defaultValue)))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getFloat(key string, defaultValue float64) (float64, error) {
	v, err := strconv.ParseFloat(getEnv(key, strconv.FormatFloat(defaultValue, 'f', -1, 64)), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	v, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(defaultValue)))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key, defaultValue string) (time.Duration, error) {
	v, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
