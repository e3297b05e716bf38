package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/spf13/viper"
)

const (
	defaultAddress = "98:D3:32:70:D2:ED"

	transportProfile = "profile"
	transportRFCOMM  = "rfcomm"
	transportTCP     = "tcp"
)

// Config is the daemon configuration.
type Config struct {
	Address        string        `mapstructure:"address"`
	Channel        string        `mapstructure:"channel"`
	RFCOMMChannel  uint8         `mapstructure:"rfcomm_channel"`
	Transport      string        `mapstructure:"transport"`
	FrameFormat    string        `mapstructure:"frame_format"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	AutoConnect    bool          `mapstructure:"auto_connect"`
	LogLevel       string        `mapstructure:"log_level"`
	Socket         string        `mapstructure:"socket"`
	HTTPListen     string        `mapstructure:"http_listen"`
	MQTT           MQTTConfig    `mapstructure:"mqtt"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Prefix   string `mapstructure:"prefix"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

func configPath() string {
	if p := os.Getenv("HACTL_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "hactl", "config.yaml")
}

func socketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, "hactl.sock")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("address", defaultAddress)
	v.SetDefault("channel", SPPUUID.String())
	v.SetDefault("rfcomm_channel", 1)
	v.SetDefault("transport", transportProfile)
	v.SetDefault("frame_format", string(FormatTagged))
	v.SetDefault("settle_delay", 50*time.Millisecond)
	v.SetDefault("poll_interval", 10*time.Millisecond)
	v.SetDefault("connect_timeout", 15*time.Second)
	v.SetDefault("auto_connect", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("socket", socketPath())
	v.SetDefault("http_listen", "")
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "hactl")
	v.SetDefault("mqtt.prefix", "hactl")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
}

// loadConfig reads path if it exists; HACTL_* environment variables override file values.
func loadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("hactl")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Annotatef(err, "read config %s", path)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, errors.Annotatef(err, "stat config %s", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Annotate(err, "parse config")
	}
	if err := cfg.validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if _, err := uuid.Parse(c.Channel); err != nil {
		return errors.NotValidf("channel %q", c.Channel)
	}
	switch c.Transport {
	case transportProfile, transportRFCOMM:
		if _, err := parseBDAddr(c.Address); err != nil {
			return errors.Trace(err)
		}
	case transportTCP:
		if c.Address == "" {
			return errors.NotValidf("empty tcp address")
		}
	default:
		return errors.NotValidf("transport %q", c.Transport)
	}
	if _, err := FrameFormat(c.FrameFormat).Decoder(); err != nil {
		return errors.Trace(err)
	}
	if c.SettleDelay < 0 || c.PollInterval <= 0 || c.ConnectTimeout <= 0 {
		return errors.NotValidf("timing settle=%v poll=%v connect=%v", c.SettleDelay, c.PollInterval, c.ConnectTimeout)
	}
	return nil
}

func (c Config) Endpoint() Endpoint {
	return Endpoint{
		Address:       c.Address,
		Channel:       uuid.MustParse(c.Channel),
		RFCOMMChannel: c.RFCOMMChannel,
	}
}

// resolveDevice picks a device address. If addr is non-empty, it is returned
// directly. Otherwise, the configured address is used.
func resolveDevice(cfg Config, addr string) (string, error) {
	if addr == "" {
		return cfg.Address, nil
	}
	if cfg.Transport == transportTCP {
		return addr, nil
	}
	if _, err := parseBDAddr(addr); err != nil {
		return "", errors.Trace(err)
	}
	return strings.ToUpper(addr), nil
}
