package util

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"request-guard/internal/config"
)

func TestLevelFor(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"WARN":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		" error ": zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := levelFor(in); got != want {
			t.Errorf("levelFor(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_AppliesLevel(t *testing.T) {
	for _, env := range []string{config.EnvProduction, config.EnvDevelopment} {
		logger, err := newLogger(env, config.LoggingConfig{Level: "warn", Format: "json"})
		if err != nil {
			t.Fatalf("%s: %v", env, err)
		}
		if logger.Core().Enabled(zapcore.InfoLevel) || !logger.Core().Enabled(zapcore.WarnLevel) {
			t.Errorf("%s: warn level not applied", env)
		}
	}
}

func TestSetLogger_RoutesHelpers(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	previous := Get()
	SetLogger(zap.New(core))
	defer SetLogger(previous)

	Info("Redis client initialized", String("addr", "localhost:6379"), Int("db", 0))
	Error("failed to close Redis client", ErrorField(errors.New("closed")))

	if logs.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", logs.Len())
	}
	first := logs.All()[0].ContextMap()
	if first["addr"] != "localhost:6379" || first["db"] != int64(0) {
		t.Errorf("unexpected fields %v", first)
	}
	if logs.All()[1].ContextMap()["error"] != "closed" {
		t.Errorf("unexpected error field %v", logs.All()[1].ContextMap())
	}
}
