package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/npezzotti/boardchat/internal/logging"
	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	FanoutLocal = "local"
	FanoutRedis = "redis"

	EnvPrefix = "BOARDCHAT"
)

type Config struct {
	ServerAddr     string
	Store          string
	DatabaseDSN    string
	Migrate        bool
	SigningKey     []byte
	AllowedOrigins []string
	Fanout         string
	Redis          RedisConfig
	Kafka          KafkaConfig
	Chat           ChatConfig
	Log            logging.Config
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// KafkaConfig enables event publication when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type ChatConfig struct {
	SendRate     float64 `mapstructure:"send_rate"`
	SendBurst    int     `mapstructure:"send_burst"`
	HistoryLimit int     `mapstructure:"history_limit"`
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

// NewConfig returns a Postgres backed configuration with default chat
// settings.
func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.Set("server.addr", serverAddr)
	v.Set("database.dsn", databaseDSN)
	v.Set("auth.signing_key", base64Secret)
	v.Set("cors.allowed_origins", allowedOrigins)

	return fromViper(v)
}

// Load reads an optional YAML file at path and BOARDCHAT_* environment
// variables, e.g. BOARDCHAT_DATABASE_DSN for database.dsn.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("store", StorePostgres)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.migrate", false)
	v.SetDefault("auth.signing_key", "")
	v.SetDefault("cors.allowed_origins", []string{})
	v.SetDefault("fanout.driver", FanoutLocal)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "boardchat:messages")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "chat-messages")
	v.SetDefault("chat.send_rate", 10.0)
	v.SetDefault("chat.send_burst", 20)
	v.SetDefault("chat.history_limit", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service", "boardchat")
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ServerAddr:     v.GetString("server.addr"),
		Store:          strings.ToLower(v.GetString("store")),
		DatabaseDSN:    v.GetString("database.dsn"),
		Migrate:        v.GetBool("database.migrate"),
		AllowedOrigins: splitList(v.GetStringSlice("cors.allowed_origins")),
		Fanout:         strings.ToLower(v.GetString("fanout.driver")),
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Channel:  v.GetString("redis.channel"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetStringSlice("kafka.brokers")),
			Topic:   v.GetString("kafka.topic"),
		},
		Chat: ChatConfig{
			SendRate:     v.GetFloat64("chat.send_rate"),
			SendBurst:    v.GetInt("chat.send_burst"),
			HistoryLimit: v.GetInt("chat.history_limit"),
		},
		Log: logging.Config{
			Level:   v.GetString("log.level"),
			Pretty:  v.GetBool("log.pretty"),
			Service: v.GetString("log.service"),
		},
	}

	secret := v.GetString("auth.signing_key")
	if secret == "" {
		return nil, errors.New("signing secret cannot be empty")
	}

	key, err := decodeSigningSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}
	cfg.SigningKey = key

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return errors.New("server address cannot be empty")
	}

	switch c.Store {
	case StorePostgres:
		if c.DatabaseDSN == "" {
			return errors.New("database DSN cannot be empty")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}

	if len(c.SigningKey) == 0 {
		return errors.New("signing secret cannot be empty")
	}

	switch c.Fanout {
	case FanoutLocal:
	case FanoutRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis address cannot be empty")
		}
	default:
		return fmt.Errorf("unknown fanout driver %q", c.Fanout)
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka topic cannot be empty")
	}

	if c.Chat.SendRate <= 0 || c.Chat.SendBurst <= 0 {
		return errors.New("chat send rate and burst must be positive")
	}
	if c.Chat.HistoryLimit <= 0 {
		return errors.New("chat history limit must be positive")
	}

	return nil
}

// splitList accepts both YAML lists and comma separated environment values.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
