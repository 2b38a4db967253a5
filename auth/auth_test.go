package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func hmacToken(t *testing.T, claims jwt.MapClaims) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func identityHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ := IdentityFromContext(r.Context())
		_, _ = io.WriteString(w, identity)
	})
}

func serve(handler http.Handler, token string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodPost, "http://bridge.local/mcp", strings.NewReader("{}"))
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestMiddleware(t *testing.T) {
	jwtVerifier, err := NewJWTVerifier(context.Background(), &JWTConfig{Secret: secret, Issuer: "issuer", Scopes: []string{"bridge"}})
	require.NoError(t, err)
	exp := time.Now().Add(time.Hour).Unix()

	testCases := []struct {
		description string
		verifier    Verifier
		token       string
		status      int
		identity    string
	}{
		{description: "auth disabled", verifier: AllowAll, status: http.StatusOK, identity: AnonymousIdentity},
		{description: "static token", verifier: NewStaticVerifier(map[string]string{"t1": "alice"}), token: "t1", status: http.StatusOK, identity: "alice"},
		{description: "static unknown token", verifier: NewStaticVerifier(map[string]string{"t1": "alice"}), token: "t2", status: http.StatusUnauthorized},
		{description: "static missing token", verifier: NewStaticVerifier(map[string]string{"t1": "alice"}), status: http.StatusUnauthorized},
		{
			description: "jwt valid",
			verifier:    jwtVerifier,
			token:       hmacToken(t, jwt.MapClaims{"sub": "bob", "iss": "issuer", "exp": exp, "scope": "read bridge"}),
			status:      http.StatusOK,
			identity:    "bob",
		},
		{
			description: "jwt missing scope",
			verifier:    jwtVerifier,
			token:       hmacToken(t, jwt.MapClaims{"sub": "bob", "iss": "issuer", "exp": exp, "scope": "read"}),
			status:      http.StatusForbidden,
		},
		{
			description: "jwt wrong issuer",
			verifier:    jwtVerifier,
			token:       hmacToken(t, jwt.MapClaims{"sub": "bob", "iss": "other", "exp": exp, "scope": "bridge"}),
			status:      http.StatusUnauthorized,
		},
		{
			description: "jwt expired",
			verifier:    jwtVerifier,
			token:       hmacToken(t, jwt.MapClaims{"sub": "bob", "iss": "issuer", "exp": time.Now().Add(-time.Hour).Unix(), "scope": "bridge"}),
			status:      http.StatusUnauthorized,
		},
		{description: "jwt garbage", verifier: jwtVerifier, token: "not-a-jwt", status: http.StatusUnauthorized},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, testCase := range testCases {
		handler := Middleware(testCase.verifier, WithLogger(logger))(identityHandler())
		recorder := serve(handler, testCase.token)
		assert.Equal(t, testCase.status, recorder.Code, testCase.description)
		switch testCase.status {
		case http.StatusOK:
			assert.Equal(t, testCase.identity, recorder.Body.String(), testCase.description)
		case http.StatusUnauthorized:
			assert.True(t, strings.HasPrefix(recorder.Header().Get("WWW-Authenticate"), "Bearer"), testCase.description)
			fallthrough
		default:
			body := map[string]any{}
			require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body), testCase.description)
			assert.EqualValues(t, -32001, body["code"], testCase.description)
		}
	}
}

func TestMiddleware_ResourceMetadataChallenge(t *testing.T) {
	handler := Middleware(NewStaticVerifier(map[string]string{"t": "a"}), WithResourceMetadata(true))(identityHandler())
	recorder := serve(handler, "")
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Equal(t, `Bearer resource_metadata="http://bridge.local/.well-known/oauth-protected-resource"`, recorder.Header().Get("WWW-Authenticate"))
}

func TestJWTVerifier_RSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	verifier, err := NewJWTVerifier(context.Background(), &JWTConfig{PublicKey: string(publicPEM), Audience: "bridge", IdentityClaim: "email"})
	require.NoError(t, err)

	claims := jwt.MapClaims{"email": "carol@example.com", "aud": "bridge", "exp": time.Now().Add(time.Minute).Unix()}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	request := httptest.NewRequest(http.MethodGet, "/mcp/sse", nil)
	request.Header.Set("Authorization", "Bearer "+signed)
	verdict, err := verifier.Verify(request.Context(), request)
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)
	assert.Equal(t, "carol@example.com", verdict.Identity)

	// HMAC token must not be accepted by an RSA verifier
	request.Header.Set("Authorization", "Bearer "+hmacToken(t, claims))
	_, err = verifier.Verify(request.Context(), request)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestConfig(t *testing.T) {
	testCases := []struct {
		description string
		config      *Config
		mode        string
		hasError    bool
	}{
		{description: "default none", config: &Config{}, mode: ModeNone},
		{description: "implied static", config: &Config{Tokens: map[string]string{"t": "a"}}, mode: ModeStatic},
		{description: "implied jwt", config: &Config{JWT: &JWTConfig{Secret: "s"}}, mode: ModeJWT},
		{description: "static without tokens", config: &Config{Mode: ModeStatic}, mode: ModeStatic, hasError: true},
		{description: "unknown", config: &Config{Mode: "kerberos"}, mode: "kerberos", hasError: true},
	}
	for _, testCase := range testCases {
		testCase.config.Init()
		assert.Equal(t, testCase.mode, testCase.config.Mode, testCase.description)
		err := testCase.config.Validate()
		if testCase.hasError {
			assert.Error(t, err, testCase.description)
			continue
		}
		require.NoError(t, err, testCase.description)
		verifier, err := testCase.config.Verifier(context.Background())
		require.NoError(t, err, testCase.description)
		assert.NotNil(t, verifier, testCase.description)
	}
}

func TestMetadataHandler(t *testing.T) {
	config := &Config{Resource: "https://bridge.example.com/mcp", AuthorizationServers: []string{"https://idp.example.com"}}
	recorder := httptest.NewRecorder()
	MetadataHandler(config.Metadata())(recorder, httptest.NewRequest(http.MethodGet, MetadataPath, nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	body := map[string]any{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, "https://bridge.example.com/mcp", body["resource"])

	recorder = httptest.NewRecorder()
	MetadataHandler((&Config{}).Metadata())(recorder, httptest.NewRequest(http.MethodGet, MetadataPath, nil))
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestJWTVerifier_PublicKeyURL(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	location := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(location, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	testCases := []struct {
		description string
		URL         string
		hasError    bool
	}{
		{description: "path", URL: location},
		{description: "file url", URL: "file://" + location},
		{description: "missing", URL: location + ".missing", hasError: true},
	}
	for _, testCase := range testCases {
		verifier, err := NewJWTVerifier(context.Background(), &JWTConfig{PublicKeyURL: testCase.URL})
		if testCase.hasError {
			assert.Error(t, err, testCase.description)
			continue
		}
		require.NoError(t, err, testCase.description)
		claims := jwt.MapClaims{"sub": "dave", "exp": time.Now().Add(time.Minute).Unix()}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
		require.NoError(t, err)
		request := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		request.Header.Set("Authorization", "Bearer "+signed)
		verdict, err := verifier.Verify(request.Context(), request)
		require.NoError(t, err, testCase.description)
		assert.Equal(t, "dave", verdict.Identity, testCase.description)
	}
}
