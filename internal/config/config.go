// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

// Package config loads ecgbridge settings from a YAML file, ECGBRIDGE_*
// environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. ECGBRIDGE_SERIAL_BAUD.
const EnvPrefix = "ECGBRIDGE"

type SerialConfig struct {
	Port         string        `mapstructure:"port" yaml:"port"`
	Baud         int           `mapstructure:"baud" yaml:"baud"`
	PollInterval time.Duration `mapstructure:"pollInterval" yaml:"pollInterval"`
}

// RemoteConfig selects a serial-over-websocket bridge instead of a local port.
type RemoteConfig struct {
	URL         string `mapstructure:"url" yaml:"url"`
	Username    string `mapstructure:"username" yaml:"username"`
	NoSSLVerify bool   `mapstructure:"noSSLVerify" yaml:"noSSLVerify"`
}

type DeviceConfig struct {
	Name         string        `mapstructure:"name" yaml:"name"`
	Channel      int           `mapstructure:"channel" yaml:"channel"` // RFCOMM channel
	BindAttempts int           `mapstructure:"bindAttempts" yaml:"bindAttempts"`
	ScanTimeout  time.Duration `mapstructure:"scanTimeout" yaml:"scanTimeout"`
	LEDPin       int           `mapstructure:"ledPin" yaml:"ledPin"`
	LEDNode      int           `mapstructure:"ledNode" yaml:"ledNode"`
	Simulate     bool          `mapstructure:"simulate" yaml:"simulate"`
}

type BufferConfig struct {
	MaxSamples int `mapstructure:"maxSamples" yaml:"maxSamples"`
}

type HTTPConfig struct {
	Addr         string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout" yaml:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout" yaml:"writeTimeout"`
	PollTimeout  time.Duration `mapstructure:"pollTimeout" yaml:"pollTimeout"` // long-poll limit
	RateLimit    float64       `mapstructure:"rateLimit" yaml:"rateLimit"`     // requests/sec, 0 disables
	RateBurst    int           `mapstructure:"rateBurst" yaml:"rateBurst"`
}

type LumberjackConfig struct {
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSize" yaml:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAge" yaml:"maxAge"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type LoggingConfig struct {
	Level  string           `mapstructure:"level" yaml:"level"`
	Format string           `mapstructure:"format" yaml:"format"`
	File   LumberjackConfig `mapstructure:"file" yaml:"file"`
}

type MetricsConfig struct {
	Enable bool   `mapstructure:"enable" yaml:"enable"`
	Path   string `mapstructure:"path" yaml:"path"`
}

type Config struct {
	Serial  SerialConfig  `mapstructure:"serial" yaml:"serial"`
	Remote  RemoteConfig  `mapstructure:"remote" yaml:"remote"`
	Device  DeviceConfig  `mapstructure:"device" yaml:"device"`
	Buffer  BufferConfig  `mapstructure:"buffer" yaml:"buffer"`
	HTTP    HTTPConfig    `mapstructure:"http" yaml:"http"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// FlagKeys maps command line flag names to configuration keys.
var FlagKeys = map[string]string{
	"port":          "serial.port",
	"baud":          "serial.baud",
	"url":           "remote.url",
	"username":      "remote.username",
	"no-ssl-verify": "remote.noSSLVerify",
	"simulate":      "device.simulate",
	"listen":        "http.addr",
	"log-level":     "logging.level",
}

// Load reads the configuration. path may be empty, in which case
// ECGBRIDGE_CONFIG or ./ecgbridge.yaml / ./configs/ecgbridge.yaml are tried. A
// missing default file is not an error. Flags present in flags and listed in
// FlagKeys override file and environment values when set on the command line.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.SetConfigName("ecgbridge")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("serial.port", "")
	v.SetDefault("serial.baud", 230400)
	v.SetDefault("serial.pollInterval", "10ms")

	v.SetDefault("remote.url", "")
	v.SetDefault("remote.username", "")
	v.SetDefault("remote.noSSLVerify", false)

	v.SetDefault("device.name", "cB Medical Demo")
	v.SetDefault("device.channel", 1)
	v.SetDefault("device.bindAttempts", 3)
	v.SetDefault("device.scanTimeout", "10s")
	v.SetDefault("device.ledPin", 0)
	v.SetDefault("device.ledNode", 0)
	v.SetDefault("device.simulate", false)

	v.SetDefault("buffer.maxSamples", 2000)

	v.SetDefault("http.addr", ":4567")
	v.SetDefault("http.readTimeout", "5s")
	v.SetDefault("http.writeTimeout", "30s")
	v.SetDefault("http.pollTimeout", "10s")
	v.SetDefault("http.rateLimit", 50)
	v.SetDefault("http.rateBurst", 100)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file.filename", "")
	v.SetDefault("logging.file.maxSize", 100)
	v.SetDefault("logging.file.maxBackups", 7)
	v.SetDefault("logging.file.maxAge", 30)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate rejects settings the bridge cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Serial.Baud <= 0 {
		errs = append(errs, fmt.Errorf("serial.baud must be positive, got %d", c.Serial.Baud))
	}
	if c.Serial.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("serial.pollInterval must be positive, got %s", c.Serial.PollInterval))
	}
	if c.Device.Channel < 1 || c.Device.Channel > 30 {
		errs = append(errs, fmt.Errorf("device.channel must be 1-30, got %d", c.Device.Channel))
	}
	if c.Device.BindAttempts < 1 {
		errs = append(errs, fmt.Errorf("device.bindAttempts must be at least 1, got %d", c.Device.BindAttempts))
	}
	if c.Device.ScanTimeout <= 0 {
		errs = append(errs, fmt.Errorf("device.scanTimeout must be positive, got %s", c.Device.ScanTimeout))
	}
	if c.Device.LEDPin < 0 || c.Device.LEDPin > 15 {
		errs = append(errs, fmt.Errorf("device.ledPin must be 0-15, got %d", c.Device.LEDPin))
	}
	if c.Device.LEDNode < 0 || c.Device.LEDNode > 255 {
		errs = append(errs, fmt.Errorf("device.ledNode must be 0-255, got %d", c.Device.LEDNode))
	}
	if c.Buffer.MaxSamples < 1 {
		errs = append(errs, fmt.Errorf("buffer.maxSamples must be at least 1, got %d", c.Buffer.MaxSamples))
	}
	if c.HTTP.PollTimeout <= 0 {
		errs = append(errs, fmt.Errorf("http.pollTimeout must be positive, got %s", c.HTTP.PollTimeout))
	}
	if c.HTTP.WriteTimeout > 0 && c.HTTP.PollTimeout >= c.HTTP.WriteTimeout {
		errs = append(errs, fmt.Errorf("http.pollTimeout %s must be shorter than http.writeTimeout %s",
			c.HTTP.PollTimeout, c.HTTP.WriteTimeout))
	}
	if c.HTTP.RateLimit < 0 || (c.HTTP.RateLimit > 0 && c.HTTP.RateBurst < 1) {
		errs = append(errs, fmt.Errorf("http.rateLimit %.1f needs a positive http.rateBurst", c.HTTP.RateLimit))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}
	if c.Metrics.Enable && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path))
	}
	return errors.Join(errs...)
}

// YAML renders the configuration as YAML.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
