package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		l, err := New("debug", format)
		if err != nil {
			t.Fatalf("New(debug, %q): %v", format, err)
		}
		if !l.Core().Enabled(zap.DebugLevel) {
			t.Errorf("format %q: debug level not enabled", format)
		}
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := New("loud", "json"); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := New("info", "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-42")
	if got := FromContext(ctx); got != "req-42" {
		t.Errorf("FromContext = %q, want req-42", got)
	}
	if got := FromContext(context.Background()); got != "" {
		t.Errorf("FromContext(empty) = %q, want empty", got)
	}
}

func TestForAddsRequestID(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := zap.New(core)

	For(WithRequestID(context.Background(), "abc"), l).Info("hello")
	For(context.Background(), l).Info("plain")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["request_id"]; got != "abc" {
		t.Errorf("request_id = %v, want abc", got)
	}
	if _, ok := entries[1].ContextMap()["request_id"]; ok {
		t.Error("unexpected request_id on plain entry")
	}
}
