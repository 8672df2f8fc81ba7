package sysconfig

import "testing"

func TestWithAutoDefaults(t *testing.T) {
	cfg := Config{}.WithAutoDefaults()

	if cfg.InInterface != AutoInInterface || cfg.OutInterface != AutoOutInterface {
		t.Fatalf("cfg = %+v, want auto defaults", cfg)
	}

	if !cfg.Last {
		t.Fatalf("auto mode must set Last")
	}
}

func TestNewContextUsesNopLoggerWhenNil(t *testing.T) {
	ctx := New(Config{}, nil, nil)

	if ctx.Log == nil {
		t.Fatalf("expected a non-nil logger")
	}

	// must not panic
	_ = ctx.Component("reconciler")
}
