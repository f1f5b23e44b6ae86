// Package config loads runtime settings from the environment and pipeline
// definitions from YAML files.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/user"
	"strconv"
)

// ErrMissingEnv is returned when a component needs a variable that is unset.
var ErrMissingEnv = errors.New("environment variable not set")

// Config holds all configuration for the application, typically loaded from
// environment variables (populated by the .env file in main.go).
type Config struct {
	PostgresURL     string
	SQLConnString   string
	MongoConnString string
	MongoDatabase   string
	RedisURL        string
	Minio           MinioConfig
	Log             LogConfig
	User            string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

type LogConfig struct {
	Level  string
	Format string
	Dir    string
}

// LoadConfig reads settings from the environment. Unset connection strings
// are not an error here; see the Require methods.
func LoadConfig() (*Config, error) {
	pg, err := postgresURL()
	if err != nil {
		return nil, err
	}

	useSSL := false
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		useSSL, err = strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("MINIO_USE_SSL: %w", err)
		}
	}

	cfg := &Config{
		PostgresURL:     pg,
		SQLConnString:   os.Getenv("SQL_CONNECTION_STRING"),
		MongoConnString: os.Getenv("MONGO_CONNECTION_STRING"),
		MongoDatabase:   os.Getenv("MONGO_DATABASE"),
		RedisURL:        os.Getenv("REDIS_URL"),
		Minio: MinioConfig{
			Endpoint:  os.Getenv("MINIO_ENDPOINT"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			UseSSL:    useSSL,
		},
		Log: LogConfig{
			Level:  getenv("LOG_LEVEL", "info"),
			Format: getenv("LOG_FORMAT", "text"),
			Dir:    os.Getenv("LOG_DIR"),
		},
		User: os.Getenv("ETL_USER"),
	}
	if cfg.User == "" {
		if u, err := user.Current(); err == nil {
			cfg.User = u.Username
		} else {
			cfg.User = "system"
		}
	}
	return cfg, nil
}

// postgresURL prefers DATABASE_URL and otherwise builds a URL from the DB_*
// variables. It returns "" when neither is configured.
func postgresURL() (string, error) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn, nil
	}
	host := os.Getenv("DB_HOST")
	if host == "" {
		return "", nil
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return "", fmt.Errorf("DB_PORT: %w", err)
		}
		host += ":" + port
	}

	u := url.URL{Scheme: "postgres", Host: host, Path: "/" + os.Getenv("DB_NAME")}
	if name := os.Getenv("DB_USER"); name != "" {
		if pw, ok := os.LookupEnv("DB_PASSWORD"); ok {
			u.User = url.UserPassword(name, pw)
		} else {
			u.User = url.User(name)
		}
	}
	q := url.Values{}
	q.Set("connect_timeout", getenv("DB_CONNECT_TIMEOUT", "10"))
	if mode := os.Getenv("DB_SSLMODE"); mode != "" {
		q.Set("sslmode", mode)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Config) RequirePostgres() (string, error) {
	return requireEnv(c.PostgresURL, "DATABASE_URL or DB_HOST")
}

func (c *Config) RequireSQLServer() (string, error) {
	return requireEnv(c.SQLConnString, "SQL_CONNECTION_STRING")
}

func (c *Config) RequireMongo() (string, error) {
	return requireEnv(c.MongoConnString, "MONGO_CONNECTION_STRING")
}

func (c *Config) RequireRedis() (string, error) {
	return requireEnv(c.RedisURL, "REDIS_URL")
}

func (c *Config) RequireMinio() (MinioConfig, error) {
	if _, err := requireEnv(c.Minio.Endpoint, "MINIO_ENDPOINT"); err != nil {
		return MinioConfig{}, err
	}
	return c.Minio, nil
}

func requireEnv(val, name string) (string, error) {
	if val == "" {
		return "", fmt.Errorf("%s: %w", name, ErrMissingEnv)
	}
	return val, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
