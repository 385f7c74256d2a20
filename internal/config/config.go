package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/andy6609/chatdir/internal/cipher"
	"github.com/andy6609/chatdir/internal/protocol"
)

type Config struct {
	ListenAddr       string        `mapstructure:"listen_addr"`
	MetricsAddr      string        `mapstructure:"metrics_addr"`
	EventsPath       string        `mapstructure:"events_path"`
	LogLevel         string        `mapstructure:"log_level"`
	RoomHost         string        `mapstructure:"room_host"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	RoomStartTimeout time.Duration `mapstructure:"room_start_timeout"`
	MaxRooms         int           `mapstructure:"max_rooms"`
	MaxClients       int           `mapstructure:"max_clients"`
	Cipher           string        `mapstructure:"cipher"`
	CipherKey        string        `mapstructure:"cipher_key"`
	NATSURL          string        `mapstructure:"nats_url"`
	NATSSubject      string        `mapstructure:"nats_subject"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", fmt.Sprintf(":%d", protocol.DefaultDirectoryPort))
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("events_path", "/events")
	v.SetDefault("log_level", "info")
	v.SetDefault("room_host", "")
	v.SetDefault("read_timeout", 2*time.Minute)
	v.SetDefault("write_timeout", 10*time.Second)
	v.SetDefault("room_start_timeout", 5*time.Second)
	v.SetDefault("max_rooms", protocol.MaxRoomsOnline)
	v.SetDefault("max_clients", protocol.MaxGlobalClients)
	v.SetDefault("cipher", "xor")
	v.SetDefault("cipher_key", "")
	v.SetDefault("nats_url", "")
	v.SetDefault("nats_subject", "chatdir.events")
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	cfg, err := Load("")
	if err != nil {
		// defaults are static and always valid
		panic(err)
	}
	return cfg
}

// Load reads configPath (JSON, YAML or TOML by extension) when it is not
// empty, then applies CHATDIR_* environment overrides.
func Load(configPath string) (Config, error) {
	var cfg Config

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("chatdir")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func MustLoad(configPath string) Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	return cfg
}

func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.ReadTimeout <= 0 {
		errs = append(errs, errors.New("read_timeout must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("write_timeout must be positive"))
	}
	if c.RoomStartTimeout <= 0 {
		errs = append(errs, errors.New("room_start_timeout must be positive"))
	}
	if c.MaxRooms <= 0 || c.MaxRooms > protocol.MaxRoomsOnline {
		errs = append(errs, fmt.Errorf("max_rooms must be within 1-%d", protocol.MaxRoomsOnline))
	}
	if c.MaxClients <= 0 || c.MaxClients > protocol.MaxGlobalClients {
		errs = append(errs, fmt.Errorf("max_clients must be within 1-%d", protocol.MaxGlobalClients))
	}
	if _, err := cipher.New(c.Cipher, c.CipherKey); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
