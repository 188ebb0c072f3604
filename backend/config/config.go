// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type HTTP struct {
	Port         string        `yaml:"port"`
	AllowOrigins []string      `yaml:"allowOrigins"`
	RateLimit    float64       `yaml:"rateLimit"` // requests per second per user
	RateBurst    int           `yaml:"rateBurst"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

type Auth struct {
	JWTSecret string `yaml:"jwtSecret"`
	JWTIssuer string `yaml:"jwtIssuer"`
}

type Logging struct {
	Env       string `yaml:"env"`     // dev|stage|prod
	Service   string `yaml:"service"` // efdm
	Version   string `yaml:"version"`
	Backend   string `yaml:"backend"` // std|zap
	Level     string `yaml:"level"`
	AddSource bool   `yaml:"addSource"`
	Debug     bool   `yaml:"debug"`
}

type Postgres struct {
	DSN string `yaml:"dsn"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type Media struct {
	Bucket     string        `yaml:"bucket"`
	Region     string        `yaml:"region"`
	PublicBase string        `yaml:"publicBase"` // empty means presigned URLs
	PresignTTL time.Duration `yaml:"presignTTL"`
	MaxBytes   int64         `yaml:"maxBytes"`
}

type Config struct {
	HTTP     HTTP     `yaml:"http"`
	Auth     Auth     `yaml:"auth"`
	Logging  Logging  `yaml:"logging"`
	Postgres Postgres `yaml:"postgres"`
	Redis    Redis    `yaml:"redis"`
	Kafka    Kafka    `yaml:"kafka"`
	Media    Media    `yaml:"media"`
}

// Load reads .env, then the YAML file at CONFIG_PATH if one is set, then
// environment overrides
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	var cfg Config
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	cfg.applyEnv(os.Getenv)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v := getenv(key); v != "" {
			*dst = splitList(v)
		}
	}

	str("PORT", &c.HTTP.Port)
	list("ALLOWED_ORIGINS", &c.HTTP.AllowOrigins)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("JWT_ISSUER", &c.Auth.JWTIssuer)
	str("DATABASE_URL", &c.Postgres.DSN)
	str("REDIS_URL", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	list("KAFKA_BROKERS", &c.Kafka.Brokers)
	str("KAFKA_TOPIC", &c.Kafka.Topic)
	str("MEDIA_BUCKET", &c.Media.Bucket)
	str("AWS_REGION", &c.Media.Region)
	str("MEDIA_PUBLIC_BASE", &c.Media.PublicBase)
	str("APP_ENV", &c.Logging.Env)
	str("LOG_BACKEND", &c.Logging.Backend)
	str("LOG_LEVEL", &c.Logging.Level)
	str("APP_VERSION", &c.Logging.Version)

	if v, err := strconv.ParseInt(getenv("MEDIA_MAX_BYTES"), 10, 64); err == nil && v > 0 {
		c.Media.MaxBytes = v
	}
	if v, err := strconv.ParseFloat(getenv("RATE_LIMIT"), 64); err == nil && v > 0 {
		c.HTTP.RateLimit = v
	}
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	if c.HTTP.Port == "" {
		c.HTTP.Port = "8081"
	}
	if c.HTTP.RateLimit <= 0 {
		c.HTTP.RateLimit = 20
	}
	if c.HTTP.RateBurst <= 0 {
		c.HTTP.RateBurst = 40
	}
	if c.HTTP.ReadTimeout <= 0 {
		c.HTTP.ReadTimeout = 15 * time.Second
	}
	if c.HTTP.WriteTimeout <= 0 {
		c.HTTP.WriteTimeout = 30 * time.Second
	}
	if c.Auth.JWTIssuer == "" {
		c.Auth.JWTIssuer = "efchat"
	}
	if c.Postgres.DSN == "" {
		c.Postgres.DSN = "postgres://localhost/efdm?sslmode=disable"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "dm.push"
	}
	if c.Media.PresignTTL <= 0 {
		c.Media.PresignTTL = 24 * time.Hour
	}
	if c.Media.MaxBytes <= 0 {
		c.Media.MaxBytes = 25 << 20
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "efdm"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
