package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if m["comp"] != "test" || m["message"] != "hello" || m["err"] != "boom" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if n, _ := m["n"].(float64); n != 3 {
		t.Fatalf("n=%v", m["n"])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Warn("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop logger is not zero")
	}
}

func TestAlertSinkReceivesWarn(t *testing.T) {
	got := make(chan Alert, 4)
	svc, log := New(Config{
		Level:  "debug",
		File:   FileConfig{},
		Alerts: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10},
	}, func(a Alert) { got <- a })
	defer svc.Close()

	log.Info("quiet")
	log.Warn("loud", String("schedule", "s_1"))

	select {
	case a := <-got:
		if a.Message != "loud" || a.Level != "warn" {
			t.Fatalf("unexpected alert %+v", a)
		}
		if a.Fields["schedule"] != "s_1" {
			t.Fatalf("fields=%v", a.Fields)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alert not delivered")
	}
}

func TestParseLevelDefault(t *testing.T) {
	if parseLevel("nope", LevelWarn) != LevelWarn {
		t.Fatal("expected default level")
	}
	if parseLevel(" warning ", LevelInfo) != LevelWarn {
		t.Fatal("expected warn")
	}
}
