package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultConfig []byte

// Listener configures one proxy listener.
type Listener struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
	// Auth is the shared secret clients must present in
	// Proxy-Authorization. Empty disables authentication.
	Auth string `yaml:"auth"`
	// ReverseBit inverts every raw byte on the socket. Plaintext only.
	ReverseBit bool `yaml:"reverse_bit"`
	ReusePort  bool `yaml:"reuse_port"`

	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	SelfSigned bool   `yaml:"self_signed"`
}

// Addr returns the host:port the listener binds to.
func (l *Listener) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// Config is the whole process configuration.
type Config struct {
	HTTP  *Listener `yaml:"http"`
	HTTPS *Listener `yaml:"https"`

	// Upstream selects how origin connections are made, e.g. direct:// or
	// socks5://host:1080. Empty means $ALL_PROXY, then direct://.
	Upstream string `yaml:"upstream"`

	DialTimeout        time.Duration `yaml:"dial_timeout"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	TCPKeepAlive       string        `yaml:"tcp_keepalive"`

	SSHKeyPath    string `yaml:"ssh_key"`
	SSHKnownHosts string `yaml:"ssh_known_hosts"`

	Verbose bool `yaml:"verbose"`
}

// Load reads the configuration at path, or the bundled default when path is
// empty, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data := defaultConfig
	if path != "" {
		var err error
		data, err = os.ReadFile(path) //nolint:gosec // Path is from the command line.
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return Parse(data)
}

// Parse decodes a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Upstream == "" {
		c.Upstream = defaultUpstream()
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.NegotiationTimeout == 0 {
		c.NegotiationTimeout = 10 * time.Second
	}
	if c.TCPKeepAlive == "" {
		c.TCPKeepAlive = "45:45:3"
	}
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if c.HTTP == nil && c.HTTPS == nil {
		return errors.New("config: no listeners configured (need an http or https section)")
	}
	if c.HTTP != nil {
		if err := validatePort(c.HTTP.Port); err != nil {
			return fmt.Errorf("config: http: %w", err)
		}
	}
	if c.HTTPS != nil {
		if err := validatePort(c.HTTPS.Port); err != nil {
			return fmt.Errorf("config: https: %w", err)
		}
		if c.HTTPS.ReverseBit {
			return errors.New("config: https: reverse_bit is only supported on the http listener")
		}
		if c.HTTPS.CertFile == "" || c.HTTPS.KeyFile == "" {
			return errors.New("config: https: cert_file and key_file are required")
		}
	}
	if c.DialTimeout < 0 || c.NegotiationTimeout < 0 || c.IdleTimeout < 0 {
		return errors.New("config: timeouts must not be negative")
	}
	if _, err := ParseTCPKeepAlive(c.TCPKeepAlive); err != nil {
		return fmt.Errorf("config: tcp_keepalive: %w", err)
	}
	return nil
}

// KeepAlive returns the parsed TCP keepalive setting. It is only valid on a
// validated Config.
func (c *Config) KeepAlive() net.KeepAliveConfig {
	ka, _ := ParseTCPKeepAlive(c.TCPKeepAlive)
	return ka
}

func validatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	return nil
}

// ParseTCPKeepAlive parses on|off|keepidle:keepintvl:keepcnt, with the
// durations in seconds.
func ParseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return net.KeepAliveConfig{}, errors.New("empty")
	case "on":
		return net.KeepAliveConfig{Enable: true}, nil
	case "off":
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveInt(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveInt(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(keepIdle) * time.Second,
		Interval: time.Duration(keepIntvl) * time.Second,
		Count:    keepCnt,
	}, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}
	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}
	return "direct://"
}
