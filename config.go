package namesake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const DefaultOrderCutoff = 500 * time.Millisecond

// Settings are the process settings read from the environment.
type Settings struct {
	Listen   string `envconfig:"NAMESAKE_LISTEN" default:":10053"`
	LogLevel string `envconfig:"NAMESAKE_LOG_LEVEL" default:"info"`
	Config   string `envconfig:"NAMESAKE_CONFIG" default:"namesake.yaml"`
}

// LoadSettings reads Settings from the environment, after loading a .env
// file from the working directory if there is one.
func LoadSettings() (Settings, error) {
	_ = godotenv.Load()

	var s Settings
	err := envconfig.Process("", &s)
	if err != nil {
		return Settings{}, err
	}
	return s, nil
}

// UpstreamConfig describes one forwarding resolver of the chain.
type UpstreamConfig struct {
	Servers     []string      `yaml:"servers"`
	Proxy       string        `yaml:"proxy"`        // optional proxy URL, e.g. socks5://127.0.0.1:1080
	Order       bool          `yaml:"order"`        // order servers by latency at startup
	OrderCutoff time.Duration `yaml:"order_cutoff"` // drop servers slower than this when ordering
}

// Config is the rules file.
type Config struct {
	MaxQueries int              `yaml:"max_queries"`
	Timeouts   []time.Duration  `yaml:"timeouts"`
	TTL        *uint32          `yaml:"ttl"`
	Rules      []RuleConfig     `yaml:"rules"`
	Upstreams  []UpstreamConfig `yaml:"upstreams"`
}

// LoadConfig reads the rules file at path.
func LoadConfig(path string) (cfg *Config, err error) {
	var f *os.File
	if f, err = os.Open(path); err == nil {
		defer f.Close()
		if cfg, err = ParseConfig(f); err != nil {
			err = fmt.Errorf("%s: %w", path, err)
		}
	}
	return
}

// ParseConfig decodes a rules file. Unknown keys are an error.
func ParseConfig(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	for _, t := range cfg.Timeouts {
		if t <= 0 {
			return nil, fmt.Errorf("namesake: timeouts must be positive, got %s", t)
		}
	}
	return cfg, nil
}

// Build constructs the resolver chain: the rule table first, then the
// upstreams in configured order.
func (cfg *Config) Build(ctx context.Context) (chain *ChainResolver, err error) {
	var table *RuleTable
	if table, err = NewRuleTable(cfg.Rules...); err != nil {
		return nil, err
	}
	store := NewStoreResolver(table)
	if cfg.TTL != nil {
		store.TTL = *cfg.TTL
	}
	children := []Resolver{store}
	for i, uc := range cfg.Upstreams {
		var fwd *Forwarder
		if fwd, err = uc.build(ctx); err != nil {
			return nil, fmt.Errorf("upstream %d: %w", i, err)
		}
		children = append(children, fwd)
	}

	var opts []ChainOption
	if cfg.MaxQueries > 0 {
		opts = append(opts, WithMaximumQueries(cfg.MaxQueries))
	}
	if len(cfg.Timeouts) > 0 {
		opts = append(opts, WithTimeouts(cfg.Timeouts...))
	}
	return NewChainResolver(children, opts...), nil
}

func (uc UpstreamConfig) build(ctx context.Context) (fwd *Forwarder, err error) {
	if len(uc.Servers) == 0 {
		return nil, ErrNoServers
	}
	var addrs []netip.AddrPort
	if addrs, err = ParseServers(uc.Servers...); err != nil {
		return nil, err
	}
	fwd = NewForwarder(addrs...)
	if uc.Proxy != "" {
		if err = fwd.UseProxy(uc.Proxy); err != nil {
			return nil, err
		}
	}
	if uc.Order {
		cutoff := uc.OrderCutoff
		if cutoff <= 0 {
			cutoff = DefaultOrderCutoff
		}
		fwd.OrderServers(ctx, cutoff)
	}
	return
}
