package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultTicketSecret is only meant for local runs. The proxy warns when it is in use.
const DefaultTicketSecret = "ds13-development-secret"

// Config is the root configuration struct
type Config struct {
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	FileServer FileServerConfig `mapstructure:"fileserver"`
	Client     ClientConfig     `mapstructure:"client"`
	Ticket     TicketConfig     `mapstructure:"ticket"`
	Users      []UserConfig     `mapstructure:"users" validate:"min=1,dive"`
}

// ProxyConfig holds the broker's listeners and liveness settings
type ProxyConfig struct {
	TCPPort        int           `mapstructure:"tcpPort" validate:"min=1,max=65535"`
	UDPPort        int           `mapstructure:"udpPort" validate:"min=1,max=65535"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"gt=0"`
	CheckPeriod    time.Duration `mapstructure:"checkPeriod" validate:"gt=0"`
	AdminAddr      string        `mapstructure:"adminAddr"`
	HealthAddr     string        `mapstructure:"healthAddr"`
	MaxConnections int           `mapstructure:"maxConnections" validate:"gt=0"`
}

// FileServerConfig holds per-node settings
type FileServerConfig struct {
	TCPPort        int           `mapstructure:"tcpPort" validate:"min=1,max=65535"`
	Alive          time.Duration `mapstructure:"alive" validate:"gt=0"`
	Dir            string        `mapstructure:"dir" validate:"required"`
	IndexDir       string        `mapstructure:"indexDir"`
	ProxyHost      string        `mapstructure:"proxyHost" validate:"required"`
	AdvertiseHost  string        `mapstructure:"advertiseHost"`
	ProxyUDPPort   int           `mapstructure:"proxyUDPPort" validate:"min=1,max=65535"`
	HealthAddr     string        `mapstructure:"healthAddr"`
	MaxConnections int           `mapstructure:"maxConnections" validate:"gt=0"`
	TicketTTL      time.Duration `mapstructure:"ticketTTL" validate:"gt=0"`
}

// ClientConfig holds the interactive client's settings
type ClientConfig struct {
	ProxyHost    string `mapstructure:"proxyHost" validate:"required"`
	ProxyTCPPort int    `mapstructure:"proxyTCPPort" validate:"min=1,max=65535"`
	DownloadDir  string `mapstructure:"downloadDir" validate:"required"`
	DialAttempts uint   `mapstructure:"dialAttempts" validate:"gt=0"`
	Output       string `mapstructure:"output" validate:"oneof=table json yaml"`
}

// TicketConfig holds the secret shared by the proxy and every file server
type TicketConfig struct {
	Secret string `mapstructure:"secret" validate:"required"`
}

// UserConfig is one pre-shared account loaded at proxy startup
type UserConfig struct {
	Name     string `mapstructure:"name" yaml:"name" validate:"required"`
	Password string `mapstructure:"password" yaml:"password" validate:"required"`
	Credits  int64  `mapstructure:"credits" yaml:"credits" validate:"gte=0"`
}

// UsesDefaultSecret reports whether the development ticket secret is configured.
func (c *Config) UsesDefaultSecret() bool {
	return c.Ticket.Secret == DefaultTicketSecret
}

// Load reads configuration from an optional .env file, a config file and
// DS13_ prefixed environment variables, then validates it.
func Load(cfgFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()

	v.SetDefault("proxy.tcpPort", 12344)
	v.SetDefault("proxy.udpPort", 12345)
	v.SetDefault("proxy.timeout", 3*time.Second)
	v.SetDefault("proxy.checkPeriod", time.Second)
	v.SetDefault("proxy.adminAddr", ":12380")
	v.SetDefault("proxy.healthAddr", ":12381")
	v.SetDefault("proxy.maxConnections", 64)
	v.SetDefault("fileserver.tcpPort", 12350)
	v.SetDefault("fileserver.alive", time.Second)
	v.SetDefault("fileserver.dir", "files/fs1")
	v.SetDefault("fileserver.indexDir", "")
	v.SetDefault("fileserver.proxyHost", "localhost")
	v.SetDefault("fileserver.advertiseHost", "")
	v.SetDefault("fileserver.proxyUDPPort", 12345)
	v.SetDefault("fileserver.healthAddr", "")
	v.SetDefault("fileserver.maxConnections", 16)
	v.SetDefault("fileserver.ticketTTL", 10*time.Minute)
	v.SetDefault("client.proxyHost", "localhost")
	v.SetDefault("client.proxyTCPPort", 12344)
	v.SetDefault("client.downloadDir", "files/client")
	v.SetDefault("client.dialAttempts", 3)
	v.SetDefault("client.output", "table")
	v.SetDefault("ticket.secret", DefaultTicketSecret)
	v.SetDefault("users", []map[string]any{
		{"name": "alice", "password": "12345", "credits": 200},
		{"name": "bill", "password": "23456", "credits": 200},
	})

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("DS13")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
