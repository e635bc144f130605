// Package config handles configuration loading for the AS4 receiver.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows sensitive values
// like keystore passwords and database credentials to be injected at
// runtime.
//
// # Configuration Sections
//
//   - server: HTTP listener (address, endpoint path, TLS, archive API, timeouts)
//   - logging: level and handler format
//   - pmodes: the PMode definition file
//   - security: signing keystore, trust anchors and OCSP
//   - duplicates: duplicate detection backend (memory, redis or mongodb)
//   - storage: message archive (memory or mongodb)
//   - async: delivery of asynchronous responses
//   - profile: profile validation switches
//   - dump: directory for raw message dumps
//   - observability: metrics endpoint
//
// # Example Configuration
//
//	server:
//	  address: ":8443"
//	  path: /as4
//	  tls:
//	    enabled: true
//	    certFile: /etc/ssl/server.crt
//	    keyFile: /etc/ssl/server.key
//
//	pmodes:
//	  file: /etc/as4/pmodes.yaml
//
//	security:
//	  keystore:
//	    type: pkcs12
//	    file: /etc/as4/ap.p12
//	    password: ${KEYSTORE_PASSWORD}
//
//	duplicates:
//	  backend: redis
//	  window: 24h
//	  redis:
//	    address: redis:6379
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	PModes        PModeConfig         `yaml:"pmodes"`
	Security      SecurityConfig      `yaml:"security"`
	Duplicates    DuplicateConfig     `yaml:"duplicates"`
	Storage       StorageConfig       `yaml:"storage"`
	Async         AsyncConfig         `yaml:"async"`
	Profile       ProfileConfig       `yaml:"profile"`
	Dump          DumpConfig          `yaml:"dump"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address string `yaml:"address"`
	// Path is the AS4 endpoint path.
	Path string `yaml:"path"`

	TLS struct {
		Enabled  bool   `yaml:"enabled"`
		CertFile string `yaml:"certFile"`
		KeyFile  string `yaml:"keyFile"`
		// ClientCAFile enables TLS client authentication.
		ClientCAFile string `yaml:"clientCAFile"`
	} `yaml:"tls"`

	// API exposes the read-only message archive under /api.
	API struct {
		Enabled bool `yaml:"enabled"`
		// Token is the bearer token required by the API; empty allows
		// unauthenticated access.
		Token string `yaml:"token"`
	} `yaml:"api"`

	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// LoggingConfig selects the slog handler
type LoggingConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level"`
	// Format is json or text
	Format string `yaml:"format"`
}

// PModeConfig locates the PMode definitions
type PModeConfig struct {
	File string `yaml:"file"`
}

// SecurityConfig holds message level security settings
type SecurityConfig struct {
	Keystore KeystoreConfig `yaml:"keystore"`
	// TrustStore is a PEM bundle of trust anchors for signature
	// certificates. Signed messages are only accepted when it is set.
	TrustStore string           `yaml:"trustStore"`
	OCSP       OCSPConfig       `yaml:"ocsp"`
	Decryption DecryptionConfig `yaml:"decryption"`
}

// DecryptionConfig holds the X25519 key of encrypted inbound messages
type DecryptionConfig struct {
	// KeyFile is a PKCS#8 PEM X25519 private key; empty disables decryption
	KeyFile string `yaml:"keyFile"`
	// HKDFInfo overrides the HKDF context used when the sender omits it
	HKDFInfo string `yaml:"hkdfInfo"`
}

// KeystoreConfig holds the signing key settings
type KeystoreConfig struct {
	// Type is "pkcs12" or "pem"; empty disables signing
	Type     string `yaml:"type"`
	File     string `yaml:"file"`
	Password string `yaml:"password"`
	// PEM mode settings
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// OCSPConfig enables revocation checking of signature certificates
type OCSPConfig struct {
	Enabled    bool   `yaml:"enabled"`
	IssuerFile string `yaml:"issuerFile"`
}

// DuplicateConfig selects the duplicate detection backend
type DuplicateConfig struct {
	// Backend is memory, redis or mongodb
	Backend string        `yaml:"backend"`
	Window  time.Duration `yaml:"window"`
	// CleanupInterval applies to the memory backend
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
	Redis           RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// StorageConfig holds message archive settings
type StorageConfig struct {
	// Type is memory, mongodb or none
	Type    string        `yaml:"type"`
	MongoDB MongoDBConfig `yaml:"mongodb"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
	GridFS   struct {
		BucketName     string `yaml:"bucketName"`
		ChunkSizeBytes int    `yaml:"chunkSizeBytes"`
	} `yaml:"gridfs"`
}

// AsyncConfig controls delivery of asynchronous responses
type AsyncConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	Backoff        time.Duration `yaml:"backoff"`
	CircuitBreaker bool          `yaml:"circuitBreaker"`
	RatePerSecond  float64       `yaml:"ratePerSecond"`
	Burst          int           `yaml:"burst"`
}

// ProfileConfig holds profile validation switches
type ProfileConfig struct {
	ID             string `yaml:"id"`
	Validate       bool   `yaml:"validate"`
	DispatchPing   bool   `yaml:"dispatchPing"`
	RequireSOAP12  bool   `yaml:"requireSoap12"`
	RequireSigning bool   `yaml:"requireSigning"`
	// CheckIdentity matches the signing certificate against the From party
	CheckIdentity bool `yaml:"checkIdentity"`
}

// DumpConfig enables raw message dumps
type DumpConfig struct {
	Directory string `yaml:"directory"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration from YAML, applying defaults and validation
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.Path == "" {
		c.Server.Path = "/as4"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Duplicates.Backend == "" {
		c.Duplicates.Backend = "memory"
	}
	if c.Duplicates.Window == 0 {
		c.Duplicates.Window = 24 * time.Hour
	}
	if c.Duplicates.CleanupInterval == 0 {
		c.Duplicates.CleanupInterval = 10 * time.Minute
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "as4"
	}
	if c.Storage.MongoDB.GridFS.BucketName == "" {
		c.Storage.MongoDB.GridFS.BucketName = "payloads"
	}
	if c.Storage.MongoDB.GridFS.ChunkSizeBytes == 0 {
		c.Storage.MongoDB.GridFS.ChunkSizeBytes = 261120 // 255KB
	}
	if c.Async.Timeout == 0 {
		c.Async.Timeout = 5 * time.Minute
	}
	if c.Async.MaxAttempts == 0 {
		c.Async.MaxAttempts = 3
	}
	if c.Async.Backoff == 0 {
		c.Async.Backoff = 2 * time.Second
	}
	if c.Profile.ID == "" {
		c.Profile.ID = "as4"
	}
	if c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = "/metrics"
	}
}

func (c *Config) validate() error {
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with '/', got '%s'", c.Server.Path)
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.certFile and server.tls.keyFile are required when TLS is enabled")
	}

	if c.Server.API.Enabled && c.Storage.Type == "none" {
		return fmt.Errorf("server.api requires a message store, storage.type is 'none'")
	}

	if c.PModes.File == "" {
		return fmt.Errorf("pmodes.file is required")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn' or 'error', got '%s'", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be 'json' or 'text', got '%s'", c.Logging.Format)
	}

	switch c.Security.Keystore.Type {
	case "":
	case "pkcs12":
		if c.Security.Keystore.File == "" {
			return fmt.Errorf("security.keystore.file is required when type is 'pkcs12'")
		}
	case "pem":
		if c.Security.Keystore.CertFile == "" || c.Security.Keystore.KeyFile == "" {
			return fmt.Errorf("security.keystore.certFile and keyFile are required when type is 'pem'")
		}
	default:
		return fmt.Errorf("security.keystore.type must be 'pkcs12' or 'pem', got '%s'", c.Security.Keystore.Type)
	}
	if c.Security.OCSP.Enabled && c.Security.OCSP.IssuerFile == "" {
		return fmt.Errorf("security.ocsp.issuerFile is required when OCSP is enabled")
	}
	if c.Profile.RequireSigning && c.Security.TrustStore == "" {
		return fmt.Errorf("security.trustStore is required when profile.requireSigning is set")
	}
	if c.Profile.CheckIdentity && c.Security.TrustStore == "" {
		return fmt.Errorf("security.trustStore is required when profile.checkIdentity is set")
	}

	switch c.Duplicates.Backend {
	case "memory", "none":
	case "redis":
		if c.Duplicates.Redis.Address == "" {
			return fmt.Errorf("duplicates.redis.address is required when backend is 'redis'")
		}
	case "mongodb":
		if c.Storage.MongoDB.URI == "" {
			return fmt.Errorf("storage.mongodb.uri is required when duplicates.backend is 'mongodb'")
		}
	default:
		return fmt.Errorf("duplicates.backend must be 'memory', 'redis', 'mongodb' or 'none', got '%s'", c.Duplicates.Backend)
	}

	switch c.Storage.Type {
	case "memory", "none":
	case "mongodb":
		if c.Storage.MongoDB.URI == "" {
			return fmt.Errorf("storage.mongodb.uri is required when type is 'mongodb'")
		}
	default:
		return fmt.Errorf("storage.type must be 'memory', 'mongodb' or 'none', got '%s'", c.Storage.Type)
	}

	if c.Async.MaxAttempts < 1 {
		return fmt.Errorf("async.maxAttempts must be at least 1")
	}

	return nil
}

// NewLogger creates the structured logger selected by the logging section.
func (c LoggingConfig) NewLogger() *slog.Logger {
	var level slog.Level
	switch c.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if c.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
