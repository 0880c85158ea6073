// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the web3mail client and node.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Transport kinds.
const (
	TransportHTTP     = "http"
	TransportRedis    = "redis"
	TransportLoopback = "loopback"
)

// Relay kinds.
const (
	RelayNone   = "none"
	RelayStdout = "stdout"
	RelaySES    = "ses"
	RelayGraph  = "graph"
)

// Config holds the complete application configuration.
type Config struct {
	RPC     RPCConfig     `yaml:"rpc"`
	Redis   RedisConfig   `yaml:"redis"`
	Node    NodeConfig    `yaml:"node"`
	SMTP    SMTPConfig    `yaml:"smtp"`
	TLS     TLSConfig     `yaml:"tls"`
	Relay   RelayConfig   `yaml:"relay"`
	Logging LoggingConfig `yaml:"logging"`
}

// RPCConfig selects and configures the client transport.
type RPCConfig struct {
	Transport string        `yaml:"transport"`
	URL       string        `yaml:"url"`
	Token     string        `yaml:"token"`
	Timeout   time.Duration `yaml:"timeout"`
}

// RedisConfig holds the Redis connection and key names shared by the redis
// transport and the node's queue server.
type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	RequestQueue  string `yaml:"request_queue"`
	EventsChannel string `yaml:"events_channel"`
}

// NodeConfig holds the reference node settings.
type NodeConfig struct {
	Listen   string   `yaml:"listen"`
	Address  string   `yaml:"address"`
	ChainID  string   `yaml:"chain_id"`
	Token    string   `yaml:"token"`
	Accounts []string `yaml:"accounts"`
}

// SMTPConfig holds SMTP ingress configuration.
type SMTPConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Listen            string `yaml:"listen"`
	Hostname          string `yaml:"hostname"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	MaxMessageSize    int64  `yaml:"max_message_size"`
	AllowInsecureAuth bool   `yaml:"allow_insecure_auth"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// RelayConfig selects where sent messages are relayed.
type RelayConfig struct {
	Kind  string      `yaml:"kind"`
	SES   SESConfig   `yaml:"ses"`
	Graph GraphConfig `yaml:"graph"`
}

// SESConfig holds AWS SES v2 configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// GraphConfig holds Microsoft Graph API client credentials.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error

	switch c.RPC.Transport {
	case TransportHTTP:
		if c.RPC.URL == "" {
			errs = append(errs, errors.New("rpc.url is required for the http transport"))
		}
	case TransportRedis:
		if !c.RedisConfigured() {
			errs = append(errs, errors.New("redis.addr is required for the redis transport"))
		}
	case TransportLoopback:
	default:
		errs = append(errs, fmt.Errorf("unknown rpc.transport %q", c.RPC.Transport))
	}

	switch c.Relay.Kind {
	case RelayNone, RelayStdout:
	case RelaySES:
		if !c.SESConfigured() {
			errs = append(errs, errors.New("relay.ses.region and relay.ses.sender are required for the ses relay"))
		}
	case RelayGraph:
		if !c.GraphConfigured() {
			errs = append(errs, errors.New("relay.graph tenant_id, client_id, client_secret and sender are required for the graph relay"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown relay.kind %q", c.Relay.Kind))
	}

	if c.SMTP.Enabled && c.SMTP.Listen == "" {
		errs = append(errs, errors.New("smtp.listen is required when smtp is enabled"))
	}

	return errors.Join(errs...)
}

// RedisConfigured returns true if a Redis address is set.
func (c *Config) RedisConfigured() bool {
	return c.Redis.Addr != ""
}

// SESConfigured returns true if the SES region and sender are set.
// Credentials may come from the default AWS chain.
func (c *Config) SESConfigured() bool {
	return c.Relay.SES.Region != "" && c.Relay.SES.Sender != ""
}

// GraphConfigured returns true if all Graph credentials and the sender are set.
func (c *Config) GraphConfigured() bool {
	g := c.Relay.Graph
	return g.TenantID != "" && g.ClientID != "" && g.ClientSecret != "" && g.Sender != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.RPC.Transport = TransportHTTP
	c.RPC.URL = "http://localhost:8545"
	c.RPC.Timeout = 30 * time.Second
	c.Node.Listen = ":8545"
	c.Node.Address = "me@web3mail.local"
	c.Node.ChainID = "0x1"
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.Relay.Kind = RelayNone
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("RPC_TRANSPORT"); v != "" {
		c.RPC.Transport = strings.ToLower(v)
	}
	if v := os.Getenv("RPC_URL"); v != "" {
		c.RPC.URL = v
	}
	if v := os.Getenv("RPC_TOKEN"); v != "" {
		c.RPC.Token = v
	}
	if v := os.Getenv("RPC_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RPC.Timeout = d
		}
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("REDIS_REQUEST_QUEUE"); v != "" {
		c.Redis.RequestQueue = v
	}
	if v := os.Getenv("REDIS_EVENTS_CHANNEL"); v != "" {
		c.Redis.EventsChannel = v
	}

	if v := os.Getenv("NODE_LISTEN"); v != "" {
		c.Node.Listen = v
	}
	if v := os.Getenv("NODE_ADDRESS"); v != "" {
		c.Node.Address = v
	}
	if v := os.Getenv("NODE_CHAIN_ID"); v != "" {
		c.Node.ChainID = v
	}
	if v := os.Getenv("NODE_TOKEN"); v != "" {
		c.Node.Token = v
	}
	if v := os.Getenv("NODE_ACCOUNTS"); v != "" {
		c.Node.Accounts = splitList(v)
	}

	if v := os.Getenv("SMTP_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SMTP.Enabled = b
		}
	}
	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}
	if v := os.Getenv("SMTP_ALLOW_INSECURE_AUTH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SMTP.AllowInsecureAuth = b
		}
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("RELAY"); v != "" {
		c.Relay.Kind = strings.ToLower(v)
	}
	if v := os.Getenv("SES_REGION"); v != "" {
		c.Relay.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.Relay.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.Relay.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.Relay.SES.Sender = v
	}
	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Relay.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Relay.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		c.Relay.Graph.ClientSecret = v
	}
	if v := os.Getenv("GRAPH_SENDER"); v != "" {
		c.Relay.Graph.Sender = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// splitList splits a comma separated value, dropping empty items.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
