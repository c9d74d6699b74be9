package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/carrental/internal/auth"
	"github.com/example/carrental/internal/config"
)

const testSecret = "gateway-secret"

type seen struct {
	Method   string `json:"method"`
	Path     string `json:"path"`
	Customer string `json:"customer"`
	Role     string `json:"role"`
}

func newGateway(t *testing.T) *httptest.Server {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(seen{
			Method:   r.Method,
			Path:     r.URL.Path,
			Customer: r.Header.Get(auth.CustomerHeader),
			Role:     r.Header.Get(auth.RoleHeader),
		})
	}))
	t.Cleanup(upstream.Close)

	h, err := newRouter(config.GatewayConfig{UpstreamURL: upstream.URL, JWTSecret: testSecret, UpstreamTimeout: time.Second}, nil, zap.NewNop())
	require.NoError(t, err)
	gw := httptest.NewServer(h)
	t.Cleanup(gw.Close)
	return gw
}

func token(t *testing.T, subject, role string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Role:             role,
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func call(t *testing.T, gw *httptest.Server, method, path, bearer string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, gw.URL+path, nil)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := gw.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestGatewayForwardsIdentity(t *testing.T) {
	gw := newGateway(t)
	customer := uuid.NewString()

	resp := call(t, gw, http.MethodPost, "/v1/holds", token(t, customer, auth.RoleCustomer), map[string]string{
		auth.CustomerHeader: uuid.NewString(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got seen
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, seen{Method: http.MethodPost, Path: "/v1/holds", Customer: customer, Role: auth.RoleCustomer}, got)
}

func TestGatewayRoles(t *testing.T) {
	gw := newGateway(t)
	vehicle := "/v1/vehicles/" + uuid.NewString()

	assert.Equal(t, http.StatusUnauthorized, call(t, gw, http.MethodGet, vehicle+"/occupancy", "", nil).StatusCode)
	assert.Equal(t, http.StatusOK, call(t, gw, http.MethodGet, vehicle+"/occupancy", token(t, uuid.NewString(), auth.RoleCustomer), nil).StatusCode)
	assert.Equal(t, http.StatusForbidden, call(t, gw, http.MethodPut, vehicle, token(t, uuid.NewString(), auth.RoleCustomer), nil).StatusCode)
	assert.Equal(t, http.StatusOK, call(t, gw, http.MethodPut, vehicle, token(t, uuid.NewString(), auth.RoleAgent), nil).StatusCode)
	assert.Equal(t, http.StatusForbidden, call(t, gw, http.MethodPost, "/v1/bookings/"+uuid.NewString()+"/status", token(t, uuid.NewString(), auth.RoleCustomer), nil).StatusCode)
	assert.Equal(t, http.StatusForbidden, call(t, gw, http.MethodGet, "/v1/holds", token(t, uuid.NewString(), "driver"), nil).StatusCode)
}

func TestGatewayRejectsBadUpstream(t *testing.T) {
	_, err := newRouter(config.GatewayConfig{UpstreamURL: "::nope"}, nil, zap.NewNop())
	require.Error(t, err)
}
