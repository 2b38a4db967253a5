package transport

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/viant/mcpbridge/schema"
)

const (
	AllowOriginHeader       = "Access-Control-Allow-Origin"
	AllowHeadersHeader      = "Access-Control-Allow-Headers"
	AllowMethodsHeader      = "Access-Control-Allow-Methods"
	AllControlRequestHeader = "Access-Control-Request-Method"
	AllowCredentialsHeader  = "Access-Control-Allow-Credentials"
	ExposeHeadersHeader     = "Access-Control-Expose-Headers"
	MaxAgeHeader            = "Access-Control-Max-Age"
	Separator               = ", "
)

// Cors configures cross-origin access to the protocol endpoint.
type Cors struct {
	AllowCredentials *bool    `yaml:"allowCredentials,omitempty"`
	AllowHeaders     []string `yaml:"allowHeaders,omitempty"`
	AllowMethods     []string `yaml:"allowMethods,omitempty"`
	AllowOrigins     []string `yaml:"allowOrigins,omitempty"`
	ExposeHeaders    []string `yaml:"exposeHeaders,omitempty"`
	MaxAge           *int64   `yaml:"maxAge,omitempty"`
}

func (c *Cors) originMap() map[string]bool {
	var result = make(map[string]bool)
	for _, origin := range c.AllowOrigins {
		result[origin] = true
	}
	return result
}

// CorsMiddleware sets CORS headers and answers preflight requests.
func CorsMiddleware(c *Cors) Middleware {
	return func(next http.Handler) http.Handler {
		if c == nil {
			return next
		}
		allowedOrigins := c.originMap()
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c.setHeaders(w, r, allowedOrigins)
			if r.Method == http.MethodOptions && r.Header.Get(AllControlRequestHeader) != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (c *Cors) setHeaders(writer http.ResponseWriter, request *http.Request, allowedOrigins map[string]bool) {
	origin := request.Header.Get("Origin")
	switch {
	case allowedOrigins["*"] && origin == "":
		writer.Header().Set(AllowOriginHeader, "*")
	case allowedOrigins["*"], origin != "" && allowedOrigins[origin]:
		writer.Header().Set(AllowOriginHeader, origin)
		writer.Header().Add("Vary", "Origin")
	}
	if len(c.AllowMethods) > 0 {
		methods := strings.Join(c.AllowMethods, Separator)
		if methods == "*" {
			methods = "GET, POST, DELETE, OPTIONS"
		}
		writer.Header().Set(AllowMethodsHeader, methods)
	}
	if len(c.AllowHeaders) > 0 {
		allowedHeaders := strings.Join(c.AllowHeaders, Separator)
		if allowedHeaders == "*" {
			allowedHeaders = "Content-Type, Authorization, " + schema.SessionHeader + ", " + ProtocolVersionHeader
		}
		writer.Header().Set(AllowHeadersHeader, allowedHeaders)
	}
	if c.AllowCredentials != nil {
		writer.Header().Set(AllowCredentialsHeader, strconv.FormatBool(*c.AllowCredentials))
	}
	if c.MaxAge != nil {
		writer.Header().Set(MaxAgeHeader, strconv.Itoa(int(*c.MaxAge)))
	}
	if len(c.ExposeHeaders) > 0 {
		exposedHeaders := strings.Join(c.ExposeHeaders, Separator)
		if exposedHeaders == "*" {
			exposedHeaders = schema.SessionHeader + ", " + ProtocolVersionHeader
		}
		writer.Header().Set(ExposeHeadersHeader, exposedHeaders)
	}
}

// DefaultCors allows any origin to reach the endpoint.
func DefaultCors() *Cors {
	return &Cors{
		AllowCredentials: &[]bool{true}[0],
		AllowHeaders:     []string{"*"},
		AllowMethods:     []string{"*"},
		AllowOrigins:     []string{"*"},
		ExposeHeaders:    []string{"*"},
	}
}
