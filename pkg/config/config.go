package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"callsignal-backend/pkg/constants"
	"callsignal-backend/pkg/env"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Log      LogConfig
	Push     PushConfig
	Call     CallConfig
	Agent    AgentConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	InstanceID     string
	MaxConnections int
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// PushConfig selects the provider used to ring offline callees
type PushConfig struct {
	Provider string // mock, fcm, apns

	FCMProjectID       string
	FCMCredentialsPath string

	APNsBundleID     string
	APNsKeyPath      string
	APNsKeyID        string
	APNsTeamID       string
	APNsCertPath     string
	APNsCertPassword string
	APNsProduction   bool
}

// CallConfig holds the call session timings
type CallConfig struct {
	GracePeriod     time.Duration
	InviteTTL       time.Duration
	SweepInterval   time.Duration
	MaxGroupMembers int
	EndedRetention  time.Duration
}

// AgentConfig holds the settings of a headless call agent
type AgentConfig struct {
	UserID       uuid.UUID
	SignalingURL string
	Token        string
	ControlAddr  string
	STUNServers  []string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           env.GetInt("PORT", 8083),
			Environment:    env.GetString("ENV", "development"),
			ServiceName:    env.GetString("SERVICE_NAME", "signaling-service"),
			InstanceID:     env.GetString("INSTANCE_ID", uuid.NewString()),
			MaxConnections: env.GetInt("WS_MAX_SIGNALING_CONNECTIONS", 1000),
		},
		Database: DatabaseConfig{
			Enabled:  env.GetBool("DB_ENABLED", true),
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "callsignal"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Enabled:  env.GetBool("REDIS_ENABLED", true),
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		JWT: JWTConfig{
			Secret:            env.GetStringFromFile("JWT_SECRET", ""),
			AccessTokenExpiry: env.GetDuration("JWT_ACCESS_EXPIRY", constants.AccessTokenExpiry),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
		},
		Push: PushConfig{
			Provider:           env.GetString("PUSH_PROVIDER", "mock"),
			FCMProjectID:       env.GetString("FCM_PROJECT_ID", ""),
			FCMCredentialsPath: env.GetString("FCM_CREDENTIALS_PATH", ""),
			APNsBundleID:       env.GetString("APNS_BUNDLE_ID", ""),
			APNsKeyPath:        env.GetString("APNS_KEY_PATH", ""),
			APNsKeyID:          env.GetString("APNS_KEY_ID", ""),
			APNsTeamID:         env.GetString("APNS_TEAM_ID", ""),
			APNsCertPath:       env.GetString("APNS_CERT_PATH", ""),
			APNsCertPassword:   env.GetStringFromFile("APNS_CERT_PASSWORD", ""),
			APNsProduction:     env.GetBool("APNS_PRODUCTION", false),
		},
		Call: CallConfig{
			GracePeriod:     env.GetDuration("CALL_GRACE_PERIOD", constants.ReconnectGracePeriod),
			InviteTTL:       env.GetDuration("CALL_INVITE_TTL", constants.GroupInviteTTL),
			SweepInterval:   env.GetDuration("CALL_SWEEP_INTERVAL", constants.GroupSweepInterval),
			MaxGroupMembers: env.GetInt("CALL_MAX_GROUP_MEMBERS", constants.MaxGroupMembers),
			EndedRetention:  env.GetDuration("CALL_ENDED_RETENTION", constants.EndedSessionRetention),
		},
		Agent: AgentConfig{
			UserID:       env.GetUUID("AGENT_USER_ID"),
			SignalingURL: env.GetString("AGENT_SIGNALING_URL", "ws://localhost:8083/v1/signaling/ws"),
			Token:        env.GetStringFromFile("AGENT_TOKEN", ""),
			ControlAddr:  env.GetString("AGENT_CONTROL_ADDR", "127.0.0.1:8090"),
			STUNServers:  env.GetStringSlice("AGENT_STUN_SERVERS", []string{"stun:stun.l.google.com:19302"}),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.Push.Provider == "mock" {
			return fmt.Errorf("PUSH_PROVIDER=mock is not allowed in production")
		}
	}

	if c.Call.GracePeriod <= 0 || c.Call.InviteTTL <= 0 || c.Call.SweepInterval <= 0 {
		return fmt.Errorf("call timings must be positive")
	}
	if c.Call.MaxGroupMembers < 2 {
		return fmt.Errorf("CALL_MAX_GROUP_MEMBERS must be at least 2")
	}

	return nil
}

// ValidateAgent checks the settings only the call agent needs
func (c *Config) ValidateAgent() error {
	if c.Agent.UserID == uuid.Nil {
		return fmt.Errorf("AGENT_USER_ID must be a valid UUID")
	}
	if c.Agent.Token == "" {
		return fmt.Errorf("AGENT_TOKEN must be set")
	}
	return nil
}
