package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestContext carries one scenario's state against a running engine.
type TestContext struct {
	BaseURL    string
	SigningKey string
	Issuer     string
	Audience   string

	client     *http.Client
	token      string
	lastStatus int
	lastBody   []byte
}

// NewTestContext reads E2E_BASE_URL and the JWT settings shared with the server.
func NewTestContext() *TestContext {
	return &TestContext{
		BaseURL:    getenv("E2E_BASE_URL", "http://localhost:8080"),
		SigningKey: getenv("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		Issuer:     getenv("JWT_ISSUER", "delivery-platform"),
		Audience:   getenv("JWT_AUDIENCE", "compliance"),
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Reset clears per-scenario state.
func (tc *TestContext) Reset() {
	tc.token = ""
	tc.lastStatus = 0
	tc.lastBody = nil
}

// AuthenticateAs mints a bearer token for the actor.
func (tc *TestContext) AuthenticateAs(actorID, actorType string, permissions []string) error {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"actor_id":    actorID,
		"actor_type":  actorType,
		"permissions": permissions,
		"iss":         tc.Issuer,
		"aud":         []string{tc.Audience},
		"sub":         actorID,
		"iat":         now.Unix(),
		"exp":         now.Add(15 * time.Minute).Unix(),
	})
	signed, err := token.SignedString([]byte(tc.SigningKey))
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	tc.token = signed
	return nil
}

// ClearToken makes subsequent requests anonymous.
func (tc *TestContext) ClearToken() { tc.token = "" }

// POST sends body as JSON.
func (tc *TestContext) POST(path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return tc.do(http.MethodPost, path, bytes.NewReader(raw))
}

// GET issues a request without a body.
func (tc *TestContext) GET(path string) error {
	return tc.do(http.MethodGet, path, nil)
}

func (tc *TestContext) do(method, path string, body io.Reader) error {
	req, err := http.NewRequestWithContext(context.Background(), method, strings.TrimRight(tc.BaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if tc.token != "" {
		req.Header.Set("Authorization", "Bearer "+tc.token)
	}
	resp, err := tc.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	tc.lastStatus = resp.StatusCode
	tc.lastBody, err = io.ReadAll(resp.Body)
	return err
}

// LastStatus is the status code of the previous response.
func (tc *TestContext) LastStatus() int { return tc.lastStatus }

// DecodeResponse unmarshals the previous response body into v.
func (tc *TestContext) DecodeResponse(v any) error {
	if err := json.Unmarshal(tc.lastBody, v); err != nil {
		return fmt.Errorf("decode response %q: %w", tc.lastBody, err)
	}
	return nil
}

// GetResponseField returns a top-level field of the previous JSON response.
func (tc *TestContext) GetResponseField(field string) (any, error) {
	var m map[string]any
	if err := tc.DecodeResponse(&m); err != nil {
		return nil, err
	}
	v, ok := m[field]
	if !ok {
		return nil, fmt.Errorf("response has no field %q: %s", field, tc.lastBody)
	}
	return v, nil
}
