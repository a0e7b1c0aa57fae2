package config

import "testing"

func Test_Load_Basics(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("TARGET_DIRECTORY", "/repo")
	t.Setenv("GLOB_PATTERNS", "**/*.go,**/*.ts")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	if !cfg.IsDev() {
		t.Fatalf("expected IsDev true")
	}
	if cfg.IsProd() {
		t.Fatalf("expected IsProd false")
	}
	if cfg.TargetDirectory != "/repo" {
		t.Fatalf("TargetDirectory = %q, want /repo", cfg.TargetDirectory)
	}
	if len(cfg.GlobPatterns) != 2 {
		t.Fatalf("GlobPatterns not parsed: %+v", cfg.GlobPatterns)
	}
}
