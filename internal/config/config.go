package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// ServerConfig configures the relay.
type ServerConfig struct {
	Host     string      `mapstructure:"host"`
	Port     int         `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string      `mapstructure:"log_level" validate:"required,oneof=trace debug info warn error"`
	Redis    RedisConfig `mapstructure:"redis"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type CandidateConfig struct {
	DeniedMarkers []string `mapstructure:"denied_markers"`
	DenyRelay     bool     `mapstructure:"deny_relay"`
	Networks      []string `mapstructure:"networks" validate:"dive,oneof=udp4 udp6 tcp4 tcp6"`
}

// PeerConfig configures a call client.
type PeerConfig struct {
	PeerID      string          `mapstructure:"peer_id" validate:"required"`
	SignalURL   string          `mapstructure:"signal_url" validate:"required,url"`
	APIAddr     string          `mapstructure:"api_addr" validate:"required"`
	LogLevel    string          `mapstructure:"log_level" validate:"required,oneof=trace debug info warn error"`
	RingTimeout time.Duration   `mapstructure:"ring_timeout" validate:"gt=0"`
	AutoBusy    bool            `mapstructure:"auto_busy"`
	Engine      string          `mapstructure:"engine" validate:"oneof=pion memory"`
	ICEServers  []string        `mapstructure:"ice_servers" validate:"dive,required"`
	Candidate   CandidateConfig `mapstructure:"candidate"`
}

// InitConfig reads .env (or the file named by ENV_PATH) and the environment.
// Nested keys use "__", e.g. REDIS__ADDR.
func InitConfig() (*viper.Viper, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("__"))

	v.AddConfigPath(".")
	v.SetConfigName(".env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		log.Debug().Str("path", path).Msg("Using env file")
		v.SetConfigFile(path)
	}
	v.SetConfigType("env")
	v.AutomaticEnv()

	setDefault(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Debug().Msg("No env file, reading from environment")
	}
	return v, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REDIS__ADDR", "")
	v.SetDefault("REDIS__PASSWORD", "")
	v.SetDefault("REDIS__DB", 0)

	v.SetDefault("PEER_ID", "")
	v.SetDefault("SIGNAL_URL", "ws://localhost:8080/ws")
	v.SetDefault("API_ADDR", "127.0.0.1:7070")
	v.SetDefault("RING_TIMEOUT", "3m")
	v.SetDefault("AUTO_BUSY", true)
	v.SetDefault("ENGINE", "pion")
	v.SetDefault("ICE_SERVERS", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("CANDIDATE__DENIED_MARKERS", []string{"tcp"})
	v.SetDefault("CANDIDATE__DENY_RELAY", false)
	v.SetDefault("CANDIDATE__NETWORKS", []string{})
}

func GetServerConfig(v *viper.Viper) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := load(v, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func GetPeerConfig(v *viper.Viper) (*PeerConfig, error) {
	var cfg PeerConfig
	if err := load(v, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func load(v *viper.Viper, cfg any) error {
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}
