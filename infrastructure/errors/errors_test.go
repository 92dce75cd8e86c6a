package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ServiceError
		want string
	}{
		{
			name: "error without underlying error",
			err:  New(ErrCodeAuthentication, "test message", http.StatusUnauthorized),
			want: "[AUTH_2001] test message",
		},
		{
			name: "error with underlying error",
			err:  Wrap(ErrCodeConnection, "test message", http.StatusServiceUnavailable, errors.New("underlying")),
			want: "[CONN_6001] test message: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServiceError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(ErrCodeConfiguration, "test", http.StatusInternalServerError, underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestServiceError_WithDetails(t *testing.T) {
	err := New(ErrCodeValidation, "test", http.StatusUnprocessableEntity)
	err.WithDetails("field", "username").WithDetails("reason", "too short")

	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}

	if err.Details["field"] != "username" {
		t.Errorf("Details[field] = %v, want username", err.Details["field"])
	}

	if err.Details["reason"] != "too short" {
		t.Errorf("Details[reason] = %v, want too short", err.Details["reason"])
	}
}

func TestAPIError(t *testing.T) {
	err := APIError(http.StatusBadGateway, `{"detail":"upstream unavailable"}`)

	if err.Code != ErrCodeAPIError {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeAPIError)
	}
	if err.HTTPStatus != http.StatusBadGateway {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusBadGateway)
	}
	if err.Details["statusCode"] != http.StatusBadGateway {
		t.Errorf("Details[statusCode] = %v, want %d", err.Details["statusCode"], http.StatusBadGateway)
	}
	if err.Details["rawBody"] != `{"detail":"upstream unavailable"}` {
		t.Errorf("Details[rawBody] = %v", err.Details["rawBody"])
	}
}

func TestAuthenticationError(t *testing.T) {
	err := AuthenticationError("token expired")

	if err.Code != ErrCodeAuthentication {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeAuthentication)
	}
	if err.HTTPStatus != http.StatusUnauthorized {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusUnauthorized)
	}
	if err.Message != "token expired" {
		t.Errorf("Message = %v, want token expired", err.Message)
	}
}

func TestAuthorizationError(t *testing.T) {
	err := AuthorizationError("access denied")

	if err.Code != ErrCodeAuthorization {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeAuthorization)
	}
	if err.HTTPStatus != http.StatusForbidden {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusForbidden)
	}
}

func TestNotFoundError(t *testing.T) {
	err := NotFoundError("node", "abc-123")

	if err.Code != ErrCodeNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNotFound)
	}
	if err.HTTPStatus != http.StatusNotFound {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusNotFound)
	}
	if err.Details["resource"] != "node" {
		t.Errorf("Details[resource] = %v, want node", err.Details["resource"])
	}
	if err.Details["id"] != "abc-123" {
		t.Errorf("Details[id] = %v, want abc-123", err.Details["id"])
	}
}

func TestValidationError(t *testing.T) {
	err := ValidationError("address", "must be a valid IPv4 address")

	if err.Code != ErrCodeValidation {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeValidation)
	}
	if err.HTTPStatus != http.StatusUnprocessableEntity {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusUnprocessableEntity)
	}
	if err.Details["field"] != "address" {
		t.Errorf("Details[field] = %v, want address", err.Details["field"])
	}
}

func TestValidationError_NoField(t *testing.T) {
	err := ValidationError("", "name already in use")

	if _, ok := err.Details["field"]; ok {
		t.Errorf("Details[field] should be absent, got %v", err.Details["field"])
	}
}

func TestConnectionError(t *testing.T) {
	underlying := errors.New("dial tcp: connection refused")
	err := ConnectionError("panel unreachable", underlying)

	if err.Code != ErrCodeConnection {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeConnection)
	}
	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}
}

func TestNodeError(t *testing.T) {
	underlying := errors.New("unexpected state")
	err := NodeError("node operation failed", underlying)

	if err.Code != ErrCodeNode {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNode)
	}
	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}
}

func TestNodeNotFoundError(t *testing.T) {
	err := NodeNotFoundError("node-1")

	if err.Code != ErrCodeNodeNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNodeNotFound)
	}
	if err.HTTPStatus != http.StatusNotFound {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusNotFound)
	}
	if err.Details["nodeId"] != "node-1" {
		t.Errorf("Details[nodeId] = %v, want node-1", err.Details["nodeId"])
	}
}

func TestNodeAlreadyExistsError(t *testing.T) {
	err := NodeAlreadyExistsError("germany-1")

	if err.Code != ErrCodeNodeAlreadyExists {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNodeAlreadyExists)
	}
	if err.HTTPStatus != http.StatusConflict {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusConflict)
	}
	if err.Details["name"] != "germany-1" {
		t.Errorf("Details[name] = %v, want germany-1", err.Details["name"])
	}
}

func TestNodeConnectionError(t *testing.T) {
	underlying := errors.New("i/o timeout")
	err := NodeConnectionError("node-1", "node did not respond", underlying)

	if err.Code != ErrCodeNodeConnection {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNodeConnection)
	}
	if err.Details["nodeId"] != "node-1" {
		t.Errorf("Details[nodeId] = %v, want node-1", err.Details["nodeId"])
	}
	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}
}

func TestConfigurationError(t *testing.T) {
	underlying := errors.New("missing field")
	err := ConfigurationError("invalid config", underlying)

	if err.Code != ErrCodeConfiguration {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeConfiguration)
	}
	if err.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusInternalServerError)
	}
}

func TestIsServiceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "service error",
			err:  New(ErrCodeConfiguration, "test", http.StatusInternalServerError),
			want: true,
		},
		{
			name: "standard error",
			err:  errors.New("standard error"),
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsServiceError(tt.err); got != tt.want {
				t.Errorf("IsServiceError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetServiceError(t *testing.T) {
	serviceErr := New(ErrCodeConfiguration, "test", http.StatusInternalServerError)
	standardErr := errors.New("standard error")

	tests := []struct {
		name string
		err  error
		want *ServiceError
	}{
		{
			name: "service error",
			err:  serviceErr,
			want: serviceErr,
		},
		{
			name: "standard error",
			err:  standardErr,
			want: nil,
		},
		{
			name: "nil error",
			err:  nil,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetServiceError(tt.err)
			if got != tt.want {
				t.Errorf("GetServiceError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "service error",
			err:  New(ErrCodeAuthentication, "test", http.StatusUnauthorized),
			want: http.StatusUnauthorized,
		},
		{
			name: "standard error",
			err:  errors.New("standard error"),
			want: http.StatusInternalServerError,
		},
		{
			name: "nil error",
			err:  nil,
			want: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetHTTPStatus(tt.err); got != tt.want {
				t.Errorf("GetHTTPStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIs(t *testing.T) {
	wrapped := fmt.Errorf("reconnect failed: %w", NodeNotFoundError("node-1"))

	if !Is(wrapped, ErrCodeNodeNotFound) {
		t.Error("Is() = false, want true for a wrapped NodeNotFoundError")
	}
	if Is(wrapped, ErrCodeNodeAlreadyExists) {
		t.Error("Is() = true, want false for a mismatched code")
	}
	if Is(errors.New("plain"), ErrCodeNodeNotFound) {
		t.Error("Is() = true, want false for a non-ServiceError")
	}
}
