package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func TestNewSQLiteStore(t *testing.T) {
	st := NewSQLiteStore(t)
	c, created, err := st.EnsureContact(context.Background(), "263771234567", "Tendai")
	if err != nil {
		t.Fatalf("EnsureContact failed: %v", err)
	}
	if !created || c.ID == "" {
		t.Errorf("Expected a new contact with an ID, got %+v created=%v", c, created)
	}
}

func TestAssertAPIStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusCreated)
	rec.Body.WriteString(`{"status":"ok","message":"saved","result":{"id":"x"}}`)

	AssertHTTPStatus(t, http.StatusCreated, rec.Code, "recorded")
	resp := AssertAPIStatus(t, rec, models.APIStatusOK)
	if resp.Message != "saved" {
		t.Errorf("Expected message 'saved', got '%s'", resp.Message)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok || result["id"] != "x" {
		t.Errorf("Expected result id x, got %v", resp.Result)
	}
}
