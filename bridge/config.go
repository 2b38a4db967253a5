package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/viant/afs"

	"github.com/viant/mcpbridge/auth"
	"github.com/viant/mcpbridge/router"
	"github.com/viant/mcpbridge/supervisor"
	"github.com/viant/mcpbridge/transport"
	"gopkg.in/yaml.v3"
)

// Config is the complete bridge configuration; it is resolved once at startup.
type Config struct {
	Listen string `yaml:"listen" json:"listen"`
	// ShutdownTimeout bounds draining sessions and stopping the upstream process.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	// MetricsPath is where prometheus metrics are served; "-" disables them.
	MetricsPath string             `yaml:"metricsPath" json:"metricsPath"`
	Log         *LogConfig         `yaml:"log" json:"log"`
	Upstream    *supervisor.Config `yaml:"upstream" json:"upstream"`
	Router      *router.Config     `yaml:"router" json:"router"`
	Transport   *transport.Config  `yaml:"transport" json:"transport"`
	Auth        *auth.Config       `yaml:"auth" json:"auth"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Init sets defaults for unset fields, including every nested section.
func (c *Config) Init() {
	if c.Listen == "" {
		c.Listen = ":8000"
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Upstream == nil {
		c.Upstream = &supervisor.Config{}
	}
	c.Upstream.Init()
	if c.Router == nil {
		c.Router = &router.Config{}
	}
	c.Router.Init()
	if c.Transport == nil {
		c.Transport = &transport.Config{}
	}
	c.Transport.Init()
	if c.Auth == nil {
		c.Auth = &auth.Config{}
	}
	c.Auth.Init()
}

// Validate checks every section; call Init first.
func (c *Config) Validate() error {
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdownTimeout must not be negative")
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format: %q", c.Log.Format)
	}
	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("invalid upstream config: %w", err)
	}
	if err := c.Router.Validate(); err != nil {
		return fmt.Errorf("invalid router config: %w", err)
	}
	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("invalid transport config: %w", err)
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("invalid auth config: %w", err)
	}
	if c.MetricsPath != "-" {
		for _, prefix := range c.Transport.Prefixes() {
			if c.MetricsPath == prefix || strings.HasPrefix(c.MetricsPath, prefix+"/") {
				return fmt.Errorf("metricsPath %v overlaps protocol prefix %v", c.MetricsPath, prefix)
			}
		}
	}
	return nil
}

func (c *LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	return level, nil
}

// LoadConfig reads a YAML configuration from URL; plain paths are local files.
func LoadConfig(ctx context.Context, URL string) (*Config, error) {
	data, err := afs.New().DownloadWithURL(ctx, URL)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %v: %w", URL, err)
	}
	ret := &Config{}
	if err = yaml.Unmarshal(data, ret); err != nil {
		return nil, fmt.Errorf("failed to parse config %v: %w", URL, err)
	}
	return ret, nil
}
