// Package config loads the wire-level server and client settings from YAML
// files. Callbacks and handler tables are code, not configuration; they are
// set on the returned structs afterwards.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/luciancaetano/platnet/ws"
)

// YamlServerConfig defines the structure for unmarshaling a server config file.
type YamlServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Path string `yaml:"path"`

	SSLEnabled  bool   `yaml:"ssl_enabled"`
	SSLCertFile string `yaml:"ssl_certfile"`
	SSLKeyFile  string `yaml:"ssl_keyfile"`
	SSLCACerts  string `yaml:"ssl_ca_certs"`
	SSLVerify   bool   `yaml:"ssl_verify"`

	LogLevel            string `yaml:"log_level"`
	EnableConnectionLog *bool  `yaml:"enable_connection_log"`
	EnableMessageLog    *bool  `yaml:"enable_message_log"`
	EnableStats         *bool  `yaml:"enable_stats"`

	CloseTimeoutSeconds float64 `yaml:"close_timeout"`
}

// YamlClientConfig defines the structure for unmarshaling a client config file.
type YamlClientConfig struct {
	AutoReconnect        *bool   `yaml:"auto_reconnect"`
	MaxReconnectAttempts int     `yaml:"max_reconnect_attempts"`
	ReconnectDelay       float64 `yaml:"reconnect_delay"`
	MaxReconnectDelay    float64 `yaml:"max_reconnect_delay"`

	PingInterval float64 `yaml:"ping_interval"`
	PingTimeout  float64 `yaml:"ping_timeout"`
	CloseTimeout float64 `yaml:"close_timeout"`

	SSLVerify        *bool  `yaml:"ssl_verify"`
	SSLCACerts       string `yaml:"ssl_ca_certs"`
	SSLCertFile      string `yaml:"ssl_certfile"`
	SSLKeyFile       string `yaml:"ssl_keyfile"`
	SSLCheckHostname *bool  `yaml:"ssl_check_hostname"`

	LogLevel            string `yaml:"log_level"`
	EnableConnectionLog *bool  `yaml:"enable_connection_log"`
	EnableMessageLog    *bool  `yaml:"enable_message_log"`
}

// LoadServer reads and converts a server config file.
func LoadServer(path string) (*ws.ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var raw YamlServerConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	cfg := ws.NewServerConfig(raw.Host, raw.Port)
	if raw.Path != "" {
		cfg.Path = raw.Path
	}
	cfg.SSLEnabled = raw.SSLEnabled
	cfg.SSLCertFile = raw.SSLCertFile
	cfg.SSLKeyFile = raw.SSLKeyFile
	cfg.SSLCACerts = raw.SSLCACerts
	cfg.SSLVerify = raw.SSLVerify
	cfg.LogLevel = raw.LogLevel
	if raw.EnableConnectionLog != nil {
		cfg.EnableConnectionLog = *raw.EnableConnectionLog
	}
	if raw.EnableMessageLog != nil {
		cfg.EnableMessageLog = *raw.EnableMessageLog
	}
	if raw.EnableStats != nil {
		cfg.EnableStats = *raw.EnableStats
	}
	cfg.CloseTimeout = seconds(raw.CloseTimeoutSeconds)
	return cfg, nil
}

// LoadClient reads and converts a client config file.
func LoadClient(path string) (*ws.ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client config: %w", err)
	}

	var raw YamlClientConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing client config: %w", err)
	}

	cfg := ws.NewClientConfig()
	if raw.AutoReconnect != nil {
		cfg.AutoReconnect = *raw.AutoReconnect
	}
	cfg.MaxReconnectAttempts = raw.MaxReconnectAttempts
	cfg.ReconnectDelay = seconds(raw.ReconnectDelay)
	cfg.MaxReconnectDelay = seconds(raw.MaxReconnectDelay)
	cfg.PingInterval = seconds(raw.PingInterval)
	cfg.PingTimeout = seconds(raw.PingTimeout)
	cfg.CloseTimeout = seconds(raw.CloseTimeout)
	if raw.SSLVerify != nil {
		cfg.SSLVerify = *raw.SSLVerify
	}
	cfg.SSLCACerts = raw.SSLCACerts
	cfg.SSLCertFile = raw.SSLCertFile
	cfg.SSLKeyFile = raw.SSLKeyFile
	if raw.SSLCheckHostname != nil {
		cfg.SSLCheckHostname = *raw.SSLCheckHostname
	}
	cfg.LogLevel = raw.LogLevel
	if raw.EnableConnectionLog != nil {
		cfg.EnableConnectionLog = *raw.EnableConnectionLog
	}
	if raw.EnableMessageLog != nil {
		cfg.EnableMessageLog = *raw.EnableMessageLog
	}
	return cfg, nil
}

// seconds converts the config files' fractional-second durations.
func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
