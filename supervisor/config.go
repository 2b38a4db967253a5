package supervisor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var viewportExpr = regexp.MustCompile(`^[1-9][0-9]{1,4}x[1-9][0-9]{1,4}$`)

var browsers = map[string]bool{
	"chromium": true,
	"chrome":   true,
	"firefox":  true,
	"webkit":   true,
	"msedge":   true,
}

// Config is the static upstream launch configuration. It is resolved once at
// startup; nothing in it can be overridden per session or per request.
type Config struct {
	Command  string   `yaml:"command" json:"command"`
	Args     []string `yaml:"args" json:"args"`
	Env      []string `yaml:"env" json:"env"`
	Browser  string   `yaml:"browser" json:"browser"`
	Viewport string   `yaml:"viewport" json:"viewport"`
	// Headed shows the browser window; the browser runs headless unless set.
	Headed bool `yaml:"headed" json:"headed"`
	// Sandbox keeps the browser sandbox, which containers usually cannot provide.
	Sandbox bool `yaml:"sandbox" json:"sandbox"`

	ActionTimeout     time.Duration `yaml:"actionTimeout" json:"actionTimeout"`
	NavigationTimeout time.Duration `yaml:"navigationTimeout" json:"navigationTimeout"`

	StartupTimeout   time.Duration `yaml:"startupTimeout" json:"startupTimeout"`
	StopGrace        time.Duration `yaml:"stopGrace" json:"stopGrace"`
	MaxRestarts      *int          `yaml:"maxRestarts" json:"maxRestarts"`
	BackoffInitial   time.Duration `yaml:"backoffInitial" json:"backoffInitial"`
	BackoffMax       time.Duration `yaml:"backoffMax" json:"backoffMax"`
	StableAfter      time.Duration `yaml:"stableAfter" json:"stableAfter"`
	ProbeInterval    time.Duration `yaml:"probeInterval" json:"probeInterval"`
	ProbeTimeout     time.Duration `yaml:"probeTimeout" json:"probeTimeout"`
	ProbeFailures    int           `yaml:"probeFailures" json:"probeFailures"`
	MaxLineBytes     int           `yaml:"maxLineBytes" json:"maxLineBytes"`
	MaxQueuedFrames  int           `yaml:"maxQueuedFrames" json:"maxQueuedFrames"`
	MaxQueuedBytes   int           `yaml:"maxQueuedBytes" json:"maxQueuedBytes"`
	DisableHandshake bool          `yaml:"disableHandshake" json:"disableHandshake"`
}

// Init fills unset fields with defaults.
func (c *Config) Init() {
	if c.Command == "" {
		c.Command = "npx"
		if len(c.Args) == 0 {
			c.Args = []string{"@playwright/mcp@latest"}
		}
	}
	if c.Browser == "" {
		c.Browser = "chromium"
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = 60 * time.Second
	}
	if c.StopGrace == 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.MaxRestarts == nil {
		c.MaxRestarts = Restarts(5)
	}
	if c.BackoffInitial == 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.StableAfter == 0 {
		c.StableAfter = time.Minute
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = 15 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.ProbeFailures == 0 {
		c.ProbeFailures = 3
	}
}

// Validate checks the launch configuration.
func (c *Config) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("upstream command was empty")
	}
	if c.Browser != "" && !browsers[c.Browser] {
		return fmt.Errorf("unsupported browser: %q", c.Browser)
	}
	if c.Viewport != "" && !viewportExpr.MatchString(c.Viewport) {
		return fmt.Errorf("invalid viewport %q, expected WIDTHxHEIGHT", c.Viewport)
	}
	if c.ActionTimeout < 0 || c.NavigationTimeout < 0 {
		return fmt.Errorf("upstream timeouts must not be negative")
	}
	if c.MaxRestarts != nil && *c.MaxRestarts < 0 {
		return fmt.Errorf("maxRestarts must not be negative")
	}
	if c.ProbeInterval < 0 {
		return fmt.Errorf("probeInterval must not be negative")
	}
	for _, arg := range c.Args {
		if strings.ContainsAny(arg, "\x00\n") {
			return fmt.Errorf("invalid upstream argument %q", arg)
		}
	}
	return nil
}

// CommandLine returns the validated command and the fixed argument list.
func (c *Config) CommandLine() (string, []string, error) {
	if err := c.Validate(); err != nil {
		return "", nil, err
	}
	args := append([]string{}, c.Args...)
	if c.Browser != "" {
		args = append(args, "--browser", c.Browser)
	}
	if !c.Headed {
		args = append(args, "--headless")
	}
	if !c.Sandbox {
		args = append(args, "--no-sandbox")
	}
	if c.Viewport != "" {
		args = append(args, "--viewport-size", c.Viewport)
	}
	if c.ActionTimeout > 0 {
		args = append(args, "--timeout-action", strconv.FormatInt(c.ActionTimeout.Milliseconds(), 10))
	}
	if c.NavigationTimeout > 0 {
		args = append(args, "--timeout-navigation", strconv.FormatInt(c.NavigationTimeout.Milliseconds(), 10))
	}
	return c.Command, args, nil
}

// Restarts returns a MaxRestarts value; Restarts(0) disables restarting.
func Restarts(n int) *int {
	return &n
}

func (c *Config) maxRestarts() int {
	if c.MaxRestarts == nil {
		return 0
	}
	return *c.MaxRestarts
}

// backoff returns the delay before restart attempt n (1-based).
func (c *Config) backoff(n int) time.Duration {
	delay := c.BackoffInitial
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if delay > c.BackoffMax {
		return c.BackoffMax
	}
	return delay
}
