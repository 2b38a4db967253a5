package bridge

import (
	"context"
	"time"

	"github.com/viant/mcpbridge/auth"
	"github.com/viant/mcpbridge/supervisor"
)

// Options are the command line flags; set flags override the config file.
type Options struct {
	ConfigURL string `short:"c" long:"config" description:"YAML config URL or file"`
	Listen    string `short:"l" long:"listen" description:"HTTP listen address"`

	Command  string   `long:"command" description:"upstream command"`
	Args     []string `long:"arg" description:"upstream argument (repeatable)"`
	Browser  string   `long:"browser" description:"browser engine" choice:"chromium" choice:"chrome" choice:"firefox" choice:"webkit" choice:"msedge"`
	Headed   bool     `long:"headed" description:"show the browser window instead of running headless"`
	Sandbox  bool     `long:"sandbox" description:"keep the browser sandbox enabled"`
	Viewport string   `long:"viewport" description:"viewport size WIDTHxHEIGHT"`

	MaxRestarts    *int          `long:"max-restarts" description:"upstream restart attempts before giving up, 0 disables restarts"`
	RequestTimeout time.Duration `long:"request-timeout" description:"per request deadline"`

	Tokens    map[string]string `long:"token" description:"static bearer token as token:identity (repeatable)"`
	JWTSecret string            `long:"jwt-secret" description:"HMAC secret for bearer JWTs"`
	JWTKey    string            `long:"jwt-key" description:"PEM public key URL or file for bearer JWTs"`
	Issuer    string            `long:"jwt-issuer" description:"required JWT issuer"`
	Audience  string            `long:"jwt-audience" description:"required JWT audience"`

	LogLevel  string `long:"log-level" description:"log level" choice:"debug" choice:"info" choice:"warn" choice:"error"`
	LogFormat string `long:"log-format" description:"log format" choice:"text" choice:"json"`
}

// Config loads the config file, if any, applies flag overrides and defaults,
// and validates the result.
func (o *Options) Config(ctx context.Context) (*Config, error) {
	config := &Config{}
	if o.ConfigURL != "" {
		var err error
		if config, err = LoadConfig(ctx, o.ConfigURL); err != nil {
			return nil, err
		}
	}
	o.apply(config)
	config.Init()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (o *Options) apply(config *Config) {
	if o.Listen != "" {
		config.Listen = o.Listen
	}
	if config.Log == nil {
		config.Log = &LogConfig{}
	}
	if o.LogLevel != "" {
		config.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		config.Log.Format = o.LogFormat
	}
	config.Init()

	upstream := config.Upstream
	if o.Command != "" {
		upstream.Command = o.Command
		upstream.Args = nil
	}
	if len(o.Args) > 0 {
		upstream.Args = o.Args
	}
	if o.Browser != "" {
		upstream.Browser = o.Browser
	}
	if o.Headed {
		upstream.Headed = true
	}
	if o.Sandbox {
		upstream.Sandbox = true
	}
	if o.Viewport != "" {
		upstream.Viewport = o.Viewport
	}
	if o.MaxRestarts != nil {
		upstream.MaxRestarts = supervisor.Restarts(*o.MaxRestarts)
	}
	if o.RequestTimeout > 0 {
		config.Router.RequestTimeout = o.RequestTimeout
	}

	if len(o.Tokens) > 0 {
		config.Auth.Mode = auth.ModeStatic
		config.Auth.Tokens = o.Tokens
	}
	if o.JWTSecret != "" || o.JWTKey != "" {
		config.Auth.Mode = auth.ModeJWT
		if config.Auth.JWT == nil {
			config.Auth.JWT = &auth.JWTConfig{}
		}
		jwtConfig := config.Auth.JWT
		if o.JWTSecret != "" {
			jwtConfig.Secret = o.JWTSecret
		}
		if o.JWTKey != "" {
			jwtConfig.PublicKeyURL = o.JWTKey
		}
		if o.Issuer != "" {
			jwtConfig.Issuer = o.Issuer
		}
		if o.Audience != "" {
			jwtConfig.Audience = o.Audience
		}
	}
}
