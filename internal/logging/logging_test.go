package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "debug", Format: "json", Output: &buf})
	if err != nil {
		t.Fatal(err)
	}
	Component(l, "finder").WithField("chunk", 3).Debug("dispatch")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("not JSON: %q", buf.String())
	}
	if entry["component"] != "finder" || entry["msg"] != "dispatch" || entry["level"] != "debug" {
		t.Fatalf("entry = %v", entry)
	}
}

func TestNewDefaultsToInfoText(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Output: &buf})
	if err != nil {
		t.Fatal(err)
	}
	if l.GetLevel() != logrus.InfoLevel {
		t.Fatalf("level = %v", l.GetLevel())
	}
	l.Debug("hidden")
	l.Info("shown")
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, "msg=shown") {
		t.Fatalf("output = %q", out)
	}
}

func TestNewRejectsUnknown(t *testing.T) {
	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatal("expected level error")
	}
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("expected format error")
	}
}

func TestComponentNilLogger(t *testing.T) {
	Component(nil, "x").Info("dropped")
}
