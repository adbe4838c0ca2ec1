// Package config loads the painting configuration.
//
// Config is a single YAML file naming the board endpoints, the authenticated
// accounts, the target images, and the engine timing parameters. Malformed
// targets are reported but do not fail the load; the remaining targets
// proceed.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default engine parameters, used when the config file leaves them unset.
const (
	DefaultPaintInterval  = 20 * time.Millisecond
	DefaultRoundInterval  = 30 * time.Second
	DefaultUserCooldown   = 30 * time.Second
	DefaultAckTimeout     = 10 * time.Second
	DefaultResyncInterval = 5 * time.Minute
	DefaultWorkers        = 4

	DefaultBoardWidth  = 1000
	DefaultBoardHeight = 600
)

// Account is one authenticated identity. Token, when set, skips acquisition
// and is used as-is.
type Account struct {
	UID       uint32 `yaml:"uid"`
	AccessKey string `yaml:"access_key,omitempty"`
	Token     string `yaml:"token,omitempty"`
}

// Target describes one image to reproduce on the board.
type Target struct {
	Name    string `yaml:"name,omitempty"`
	Image   string `yaml:"image"`
	X       int    `yaml:"x"`
	Y       int    `yaml:"y"`
	Mode    string `yaml:"mode,omitempty"`   // scan, radial, shuffled
	Weight  int    `yaml:"weight,omitempty"` // defaults to 1
	Retry   string `yaml:"retry,omitempty"`  // normal, strict, loop
	Enabled *bool  `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the target participates in painting.
// Targets are enabled unless explicitly disabled.
func (t Target) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// Board holds the remote grid dimensions.
type Board struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// Config is the full painting configuration.
type Config struct {
	APIBase string `yaml:"api_base"`
	WSURL   string `yaml:"ws_url"`

	Board    Board     `yaml:"board,omitempty"`
	Accounts []Account `yaml:"accounts"`
	Targets  []Target  `yaml:"targets"`

	PaintInterval  Duration `yaml:"paint_interval,omitempty"`
	RoundInterval  Duration `yaml:"round_interval,omitempty"`
	UserCooldown   Duration `yaml:"user_cooldown,omitempty"`
	AckTimeout     Duration `yaml:"ack_timeout,omitempty"`
	ResyncInterval Duration `yaml:"resync_interval,omitempty"`

	Workers              int  `yaml:"workers,omitempty"`
	WriteonlyConnections int  `yaml:"writeonly_connections,omitempty"`
	IgnoreSemiOpaque     bool `yaml:"ignore_semitransparent,omitempty"`

	MetricsListen string `yaml:"metrics_listen,omitempty"`
	DataDir       string `yaml:"data_dir,omitempty"`
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Board.Width == 0 {
		c.Board.Width = DefaultBoardWidth
	}
	if c.Board.Height == 0 {
		c.Board.Height = DefaultBoardHeight
	}
	if c.PaintInterval == 0 {
		c.PaintInterval = Duration(DefaultPaintInterval)
	}
	if c.RoundInterval == 0 {
		c.RoundInterval = Duration(DefaultRoundInterval)
	}
	if c.UserCooldown == 0 {
		c.UserCooldown = Duration(DefaultUserCooldown)
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = Duration(DefaultAckTimeout)
	}
	if c.ResyncInterval == 0 {
		c.ResyncInterval = Duration(DefaultResyncInterval)
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	for i := range c.Targets {
		if c.Targets[i].Weight == 0 {
			c.Targets[i].Weight = 1
		}
	}
}

// Validate checks the global parameters. Per-target problems are not
// reported here; they surface when the target set is built so that one bad
// target cannot block the others.
func (c *Config) Validate() error {
	var errs []error
	if c.APIBase == "" {
		errs = append(errs, errors.New("api_base must be set"))
	}
	if c.WSURL == "" {
		errs = append(errs, errors.New("ws_url must be set"))
	}
	if len(c.Accounts) == 0 {
		errs = append(errs, errors.New("at least one account must be configured"))
	}
	for i, a := range c.Accounts {
		if a.AccessKey == "" && a.Token == "" {
			errs = append(errs, fmt.Errorf("account %d (uid %d): access_key or token required", i, a.UID))
		}
		// The wire format carries the uid in 24 bits.
		if a.UID >= 1<<24 {
			errs = append(errs, fmt.Errorf("account %d: uid %d exceeds 24-bit identity limit", i, a.UID))
		}
	}
	if c.Board.Width <= 0 || c.Board.Height <= 0 {
		errs = append(errs, fmt.Errorf("board size %dx%d invalid", c.Board.Width, c.Board.Height))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers %d invalid, need at least 1", c.Workers))
	}
	if c.WriteonlyConnections < 0 || c.WriteonlyConnections > 5 {
		errs = append(errs, fmt.Errorf("writeonly_connections %d out of range [0,5]", c.WriteonlyConnections))
	}
	return errors.Join(errs...)
}

// Partition returns a copy of the config restricted to the k-th of n slices:
// accounts and targets whose index modulo n equals k. Each process in
// multi-process mode runs the full pipeline over a disjoint slice and shares
// nothing with its siblings.
func (c *Config) Partition(k, n int) (*Config, error) {
	if n < 1 || k < 0 || k >= n {
		return nil, fmt.Errorf("partition %d/%d invalid", k, n)
	}
	out := *c
	out.Accounts = nil
	out.Targets = nil
	for i, a := range c.Accounts {
		if i%n == k {
			out.Accounts = append(out.Accounts, a)
		}
	}
	for i, t := range c.Targets {
		if i%n == k {
			out.Targets = append(out.Targets, t)
		}
	}
	if len(out.Accounts) == 0 {
		return nil, fmt.Errorf("partition %d/%d selects no accounts", k, n)
	}
	return &out, nil
}

// Duration is a time.Duration that unmarshals from Go duration strings
// ("20ms", "1m30s") or bare nanosecond integers.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case int:
		*d = Duration(time.Duration(v))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
