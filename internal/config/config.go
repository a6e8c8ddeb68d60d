package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "LEDGER"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "pocketledger.db"
	defaultLogLevel     = "info"
	defaultTokenTTLMin  = 60 * 24 * 30
	defaultS3Region     = "us-east-1"
)

// AppConfig captures runtime configuration for the sync API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	SigningSecret   string
	TokenIssuer     string
	TokenAudience   string
	TokenTTLMinutes int

	SyncEnabled     bool
	SyncPremiumOnly bool

	S3Region        string
	S3Endpoint      string
	S3Bucket        string
	S3AccessKey     string
	S3SecretKey     string
	S3PublicBaseURL string
}

// PhotosConfigured reports whether an object store target was supplied;
// without one, photo intents degrade to metadata-only updates.
func (c AppConfig) PhotosConfigured() bool {
	return strings.TrimSpace(c.S3Bucket) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.issuer", "pocketledger-auth")
	configViper.SetDefault("token.audience", "pocketledger-api")
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMin)
	configViper.SetDefault("sync.enabled", true)
	configViper.SetDefault("sync.premium_only", false)
	configViper.SetDefault("s3.region", defaultS3Region)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		SigningSecret:   configViper.GetString("token.signing_secret"),
		TokenIssuer:     configViper.GetString("token.issuer"),
		TokenAudience:   configViper.GetString("token.audience"),
		TokenTTLMinutes: configViper.GetInt("token.ttl_minutes"),
		SyncEnabled:     configViper.GetBool("sync.enabled"),
		SyncPremiumOnly: configViper.GetBool("sync.premium_only"),
		S3Region:        configViper.GetString("s3.region"),
		S3Endpoint:      configViper.GetString("s3.endpoint"),
		S3Bucket:        configViper.GetString("s3.bucket"),
		S3AccessKey:     configViper.GetString("s3.access_key"),
		S3SecretKey:     configViper.GetString("s3.secret_key"),
		S3PublicBaseURL: configViper.GetString("s3.public_base_url"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("token.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.PhotosConfigured() {
		if strings.TrimSpace(c.S3AccessKey) == "" || strings.TrimSpace(c.S3SecretKey) == "" {
			return fmt.Errorf("s3.access_key and s3.secret_key are required when s3.bucket is set")
		}
	}
	return nil
}
