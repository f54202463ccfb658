package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTerminate(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewControlClient(srv.URL)
	if err := client.Terminate(context.Background(), "t1"); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}

	if gotPath != "/api/tasks/t1/kill" {
		t.Errorf("request path = %q, want /api/tasks/t1/kill", gotPath)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("request method = %q, want POST", gotMethod)
	}
}

func TestTerminateRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"task already terminal"}`))
	}))
	defer srv.Close()

	client := NewControlClient(srv.URL)
	err := client.Terminate(context.Background(), "t1")
	if err == nil {
		t.Fatal("Terminate() error = nil, want error")
	}

	var ce *ControlError
	if !errors.As(err, &ce) {
		t.Fatalf("error type = %T, want *ControlError", err)
	}
	if ce.TaskID != "t1" {
		t.Errorf("ControlError.TaskID = %q, want t1", ce.TaskID)
	}
	if ce.Reason != "task already terminal" {
		t.Errorf("ControlError.Reason = %q, want backend reason", ce.Reason)
	}
	if !errors.Is(err, ErrBadStatus) {
		t.Errorf("errors.Is(err, ErrBadStatus) = false, want true")
	}
}

func TestTerminateTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := NewControlClient(srv.URL)
	err := client.Terminate(context.Background(), "t1")

	var ce *ControlError
	if !errors.As(err, &ce) {
		t.Fatalf("error type = %T, want *ControlError", err)
	}
	if ce.Reason != "" {
		t.Errorf("ControlError.Reason = %q, want empty for transport failure", ce.Reason)
	}
}

func TestControlErrorMessage(t *testing.T) {
	err := NewControlError("t9", "already terminal", ErrBadStatus)

	msg := err.Error()
	for _, want := range []string{"t9", "already terminal"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, want it to contain %q", msg, want)
		}
	}
}
