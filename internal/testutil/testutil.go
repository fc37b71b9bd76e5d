// Package testutil provides common test utilities and helpers for FlowPipe tests.
package testutil

import (
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// NewSQLiteStore creates a SQLite store in a fresh temporary directory.
// The store is closed and the directory removed when the test ends.
func NewSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dir, err := os.MkdirTemp("", "flowpipe_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(dir, "test.db")))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// DecodeAPIResponse decodes the recorded body as a models.APIResponse.
func DecodeAPIResponse(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
	return resp
}

// AssertAPIStatus decodes the recorded body and checks its status field.
func AssertAPIStatus(t *testing.T, rec *httptest.ResponseRecorder, expected models.APIStatus) models.APIResponse {
	t.Helper()
	resp := DecodeAPIResponse(t, rec)
	if resp.Status != string(expected) {
		t.Errorf("Expected status '%s', got '%s'", expected, resp.Status)
	}
	return resp
}
