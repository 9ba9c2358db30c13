package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	// Route Constants
	MediaStreamPath        = "/media-stream"
	OutboundTwiMLPath      = "/twilio/outbound_call_twiml"
	CallStatusCallbackPath = "/twilio/call-status"

	// Config Store Constants
	DefaultSweepInterval = 3 * time.Minute
	DefaultConfigMaxAge  = 10 * time.Minute

	// Outbound call queueing. A queued request must be answered before the
	// HTTP write timeout closes the connection.
	DefaultCallQueueTimeout = 10 * time.Second
	HTTPWriteTimeout        = 15 * time.Second

	// Session Constants
	DefaultSessionEndTimeout = 10 * time.Second
	DefaultConnectionTimeout = 30 * time.Second

	// Store backends
	StoreTypeMemory = "memory"
	StoreTypeRedis  = "redis"
)

// CallBridgeConfig holds the configuration of the call bridge server
type CallBridgeConfig struct {
	Port       string
	InstanceID string

	// Externally reachable host (no scheme) used in Twilio callbacks and the stream URL
	WebhookHost string

	// Twilio configuration
	TwilioAccountSID      string
	TwilioAuthToken       string
	TwilioPhoneNumber     string
	TwilioCallsPerSecond  float64
	TwilioValidateRequest bool
	TwilioQueueTimeout    time.Duration

	// ElevenLabs configuration
	ElevenLabsAPIKey       string
	ElevenLabsBaseURL      string
	ElevenLabsRequiresAuth bool
	DefaultAgentID         string
	FallbackToDefaultAgent bool

	// Config store configuration
	StoreType     string
	SweepInterval time.Duration
	ConfigMaxAge  time.Duration

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Optional JWT secret protecting the outbound call API
	SecretKey string

	EnableCORS bool
}

// Load reads the bridge configuration from environment variables.
// .env files are loaded in main.go before this is called.
func Load() *CallBridgeConfig {
	return &CallBridgeConfig{
		Port:       getEnv("PORT", "8080"),
		InstanceID: getEnv("INSTANCE_ID", defaultInstanceID()),

		WebhookHost: NormalizeHost(getEnv("WEBHOOK_URL", "")),

		TwilioAccountSID:      getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:       getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioPhoneNumber:     getEnv("TWILIO_PHONE_NUMBER", ""),
		TwilioCallsPerSecond:  getEnvAsFloat("TWILIO_CALLS_PER_SECOND", 1),
		TwilioValidateRequest: getEnvAsBool("TWILIO_VALIDATE_SIGNATURE", false),
		TwilioQueueTimeout:    getEnvAsDuration("TWILIO_QUEUE_TIMEOUT", DefaultCallQueueTimeout),

		ElevenLabsAPIKey:       getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsBaseURL:      getEnv("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsRequiresAuth: getEnvAsBool("ELEVENLABS_REQUIRES_AUTH", true),
		DefaultAgentID:         getEnv("DEFAULT_AGENT_ID", getEnv("AGENT_1", "")),
		FallbackToDefaultAgent: getEnvAsBool("FALLBACK_TO_DEFAULT_AGENT", false),

		StoreType:     strings.ToLower(getEnv("CONFIG_STORE", StoreTypeMemory)),
		SweepInterval: getEnvAsDuration("CONFIG_SWEEP_INTERVAL", DefaultSweepInterval),
		ConfigMaxAge:  getEnvAsDuration("CONFIG_MAX_AGE", DefaultConfigMaxAge),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		SecretKey:  getEnv("SECRET_KEY", ""),
		EnableCORS: getEnvAsBool("ENABLE_CORS", true),
	}
}

// Validate reports configuration that prevents the bridge from placing calls.
func (c *CallBridgeConfig) Validate() error {
	var missing []string
	if c.WebhookHost == "" {
		missing = append(missing, "WEBHOOK_URL")
	}
	if c.TwilioAccountSID == "" {
		missing = append(missing, "TWILIO_ACCOUNT_SID")
	}
	if c.TwilioAuthToken == "" {
		missing = append(missing, "TWILIO_AUTH_TOKEN")
	}
	if c.TwilioPhoneNumber == "" {
		missing = append(missing, "TWILIO_PHONE_NUMBER")
	}
	if c.ElevenLabsAPIKey == "" {
		missing = append(missing, "ELEVENLABS_API_KEY")
	}
	if c.StoreType != StoreTypeMemory && c.StoreType != StoreTypeRedis {
		return fmt.Errorf("unsupported CONFIG_STORE %q", c.StoreType)
	}
	if c.TwilioQueueTimeout >= HTTPWriteTimeout {
		return fmt.Errorf("TWILIO_QUEUE_TIMEOUT must be shorter than %s", HTTPWriteTimeout)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// TwiMLURL is the URL Twilio fetches once an outbound call connects.
func (c *CallBridgeConfig) TwiMLURL() string {
	return fmt.Sprintf("https://%s%s", c.WebhookHost, OutboundTwiMLPath)
}

// StatusCallbackURL is the URL Twilio posts call progress to.
func (c *CallBridgeConfig) StatusCallbackURL() string {
	return fmt.Sprintf("https://%s%s", c.WebhookHost, CallStatusCallbackPath)
}

// MediaStreamURL is the websocket URL placed in the TwiML stream instruction.
func (c *CallBridgeConfig) MediaStreamURL() string {
	return fmt.Sprintf("wss://%s%s", c.WebhookHost, MediaStreamPath)
}

// NormalizeHost strips scheme and trailing slashes so WEBHOOK_URL accepts both
// "example.ngrok.app" and "https://example.ngrok.app/".
func NormalizeHost(raw string) string {
	host := strings.TrimSpace(raw)
	for _, prefix := range []string{"https://", "http://", "wss://", "ws://"} {
		host = strings.TrimPrefix(host, prefix)
	}
	return strings.TrimRight(host, "/")
}

func defaultInstanceID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("call-bridge-%d", time.Now().UnixNano())
}
