package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/maneesh/pdfshelf/internal/pin"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort   string
	ServiceName   string
	MaxUploadMB   int
	AllowedOrigin []string

	// PIN gate
	LibraryPIN        string
	SessionSecret     string
	SessionTTLMinutes int

	// Record store configuration
	StoreDriver string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	SQLitePath  string

	// Object storage configuration
	StorageBackend  string
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool
	S3Region        string
	S3AccessKeyID   string
	S3SecretKey     string
	PublicBaseURL   string

	// Redis configuration
	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Tracing configuration
	TracingEnabled bool
	OTelEndpoint   string

	// Viewer configuration
	ThumbnailScale     float64
	ThumbnailCacheSize int
	ViewerSessionLimit int
}

const (
	DriverMySQL  = "mysql"
	DriverPgx    = "pgx"
	DriverSQLite = "sqlite3"

	BackendMinIO = "minio"
	BackendS3    = "s3"
)

// LoadConfig loads configuration from the environment, a .env file and an
// optional pdfshelf.yml, in that order of precedence.
func LoadConfig() (*Config, error) {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("pdfshelf")
	v.SetConfigType("yml")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	config := &Config{
		ServicePort:   v.GetString("SERVICE_PORT"),
		ServiceName:   v.GetString("SERVICE_NAME"),
		MaxUploadMB:   v.GetInt("MAX_UPLOAD_MB"),
		AllowedOrigin: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),

		LibraryPIN:        v.GetString("LIBRARY_PIN"),
		SessionSecret:     v.GetString("SESSION_SECRET"),
		SessionTTLMinutes: v.GetInt("SESSION_TTL_MINUTES"),

		StoreDriver: strings.ToLower(v.GetString("STORE_DRIVER")),
		DBHost:      v.GetString("DB_HOST"),
		DBPort:      v.GetString("DB_PORT"),
		DBUser:      v.GetString("DB_USER"),
		DBPassword:  v.GetString("DB_PASSWORD"),
		DBName:      v.GetString("DB_NAME"),
		SQLitePath:  v.GetString("SQLITE_PATH"),

		StorageBackend:  strings.ToLower(v.GetString("STORAGE_BACKEND")),
		MinIOEndpoint:   v.GetString("MINIO_ENDPOINT"),
		MinIOAccessKey:  v.GetString("MINIO_ACCESS_KEY"),
		MinIOSecretKey:  v.GetString("MINIO_SECRET_KEY"),
		MinIOBucketName: v.GetString("MINIO_BUCKET_NAME"),
		MinIOUseSSL:     v.GetBool("MINIO_USE_SSL"),
		S3Region:        v.GetString("S3_REGION"),
		S3AccessKeyID:   v.GetString("S3_ACCESS_KEY_ID"),
		S3SecretKey:     v.GetString("S3_SECRET_ACCESS_KEY"),
		PublicBaseURL:   v.GetString("PUBLIC_BASE_URL"),

		RedisEnabled:  v.GetBool("REDIS_ENABLED"),
		RedisHost:     v.GetString("REDIS_HOST"),
		RedisPort:     v.GetString("REDIS_PORT"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),

		TracingEnabled: v.GetBool("TRACING_ENABLED"),
		OTelEndpoint:   v.GetString("OTEL_ENDPOINT"),

		ThumbnailScale:     v.GetFloat64("THUMBNAIL_SCALE"),
		ThumbnailCacheSize: v.GetInt("THUMBNAIL_CACHE_SIZE"),
		ViewerSessionLimit: v.GetInt("VIEWER_SESSION_LIMIT"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func setDefaults(v *viper.Viper) {
	// Service defaults
	v.SetDefault("SERVICE_PORT", "8080")
	v.SetDefault("SERVICE_NAME", "pdfshelf")
	v.SetDefault("MAX_UPLOAD_MB", 100)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("SESSION_TTL_MINUTES", 720)

	// Record store defaults
	v.SetDefault("STORE_DRIVER", DriverMySQL)
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "4000")
	v.SetDefault("DB_USER", "root")
	v.SetDefault("DB_PASSWORD", "")
	v.SetDefault("DB_NAME", "pdfshelf")
	v.SetDefault("SQLITE_PATH", "./pdfshelf.db")

	// Object storage defaults
	v.SetDefault("STORAGE_BACKEND", BackendMinIO)
	v.SetDefault("MINIO_ENDPOINT", "localhost:9000")
	v.SetDefault("MINIO_ACCESS_KEY", "minioadmin")
	v.SetDefault("MINIO_SECRET_KEY", "minioadmin")
	v.SetDefault("MINIO_BUCKET_NAME", "pdfs")
	v.SetDefault("MINIO_USE_SSL", false)
	v.SetDefault("S3_REGION", "us-east-1")

	// Redis defaults
	v.SetDefault("REDIS_ENABLED", true)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_DB", 0)

	// Tracing defaults
	v.SetDefault("TRACING_ENABLED", true)
	v.SetDefault("OTEL_ENDPOINT", "localhost:4318")

	// Viewer defaults
	v.SetDefault("THUMBNAIL_SCALE", 0.5)
	v.SetDefault("THUMBNAIL_CACHE_SIZE", 512)
	v.SetDefault("VIEWER_SESSION_LIMIT", 8)
}

// Validate rejects combinations the service cannot start with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverMySQL, DriverPgx, DriverSQLite:
	default:
		return errors.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.StorageBackend {
	case BackendMinIO, BackendS3:
	default:
		return errors.Errorf("unsupported STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.MinIOBucketName == "" {
		return errors.New("MINIO_BUCKET_NAME is required")
	}
	if c.MaxUploadMB <= 0 {
		return errors.New("MAX_UPLOAD_MB must be positive")
	}
	if c.ThumbnailScale <= 0 {
		return errors.New("THUMBNAIL_SCALE must be positive")
	}
	if c.LibraryPIN != "" && !pin.Valid(c.LibraryPIN) {
		return errors.Errorf("LIBRARY_PIN must be 1 to %d digits", pin.MaxDigits)
	}
	return nil
}

// GetDSN returns the connection string for the configured record store
func (c *Config) GetDSN() string {
	switch c.StoreDriver {
	case DriverPgx:
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
			c.DBUser,
			c.DBPassword,
			c.DBHost,
			c.DBPort,
			c.DBName,
		)
	case DriverSQLite:
		return c.SQLitePath
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC&multiStatements=true",
			c.DBUser,
			c.DBPassword,
			c.DBHost,
			c.DBPort,
			c.DBName,
		)
	}
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// GetMaxUploadBytes returns the upload limit in bytes
func (c *Config) GetMaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) * 1024 * 1024
}

// GetPublicBaseURL returns the prefix public object URLs are derived from.
func (c *Config) GetPublicBaseURL() string {
	if c.PublicBaseURL != "" {
		return strings.TrimRight(c.PublicBaseURL, "/")
	}
	if c.StorageBackend == BackendS3 {
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", c.MinIOBucketName, c.S3Region)
	}
	scheme := "http"
	if c.MinIOUseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s", scheme, c.MinIOEndpoint, c.MinIOBucketName)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
