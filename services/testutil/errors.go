package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	ErrorCodeInvalidRequest     = "INVALID_REQUEST"
	ErrorCodeUnauthorized       = "UNAUTHORIZED"
	ErrorCodeForbidden          = "FORBIDDEN"
	ErrorCodeRateLimited        = "RATE_LIMITED"
	ErrorCodeNotFound           = "NOT_FOUND"
	ErrorCodeConflict           = "CONFLICT"
	ErrorCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrorCodeInternalError      = "INTERNAL_ERROR"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var statusByCode = map[string]int{
	ErrorCodeInvalidRequest:     http.StatusBadRequest,
	ErrorCodeUnauthorized:       http.StatusUnauthorized,
	ErrorCodeForbidden:          http.StatusForbidden,
	ErrorCodeRateLimited:        http.StatusTooManyRequests,
	ErrorCodeNotFound:           http.StatusNotFound,
	ErrorCodeConflict:           http.StatusConflict,
	ErrorCodeServiceUnavailable: http.StatusServiceUnavailable,
	ErrorCodeInternalError:      http.StatusInternalServerError,
}

// AssertErrorCode checks both the error code in the body and the HTTP status
// the service pairs with it.
func AssertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	wantStatus, ok := statusByCode[expectedCode]
	if !ok {
		wantStatus = http.StatusInternalServerError
	}
	if resp.Code != wantStatus {
		t.Fatalf("expected status %d for %s, got %d (body %s)", wantStatus, expectedCode, resp.Code, resp.Body.String())
	}
	if got := decodeError(t, resp); got.Code != expectedCode {
		t.Fatalf("expected error code %q, got %q", expectedCode, got.Code)
	}
}

func AssertErrorMessage(t *testing.T, resp *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	if got := decodeError(t, resp); got.Message != expectedMessage {
		t.Fatalf("expected error message %q, got %q", expectedMessage, got.Message)
	}
}

func AssertHTTPStatus(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	if resp.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d (body %s)", expectedStatus, resp.Code, resp.Body.String())
	}
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response %q: %v", resp.Body.String(), err)
	}
	return errResp
}
