package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("JWT_SIGNING_KEY", "0123456789abcdef")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoreBackend != "memory" {
		t.Errorf("expected memory store, got %q", cfg.StoreBackend)
	}
	if cfg.TokenTTL != 30*time.Second {
		t.Errorf("expected 30s token ttl, got %s", cfg.TokenTTL)
	}
	if cfg.TotalClasses != 30 || cfg.PassingThreshold != 80 {
		t.Errorf("unexpected course defaults: %d/%d", cfg.TotalClasses, cfg.PassingThreshold)
	}
	if !cfg.EnforceTokenExpiry {
		t.Error("expected token expiry enforcement on by default")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("JWT_SIGNING_KEY", "0123456789abcdef")
	t.Setenv("TOKEN_TTL", "2m")
	t.Setenv("TOTAL_CLASSES", "32")
	t.Setenv("ENFORCE_TOKEN_EXPIRY", "false")
	t.Setenv("CORS_ORIGINS", "https://a.example/, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TokenTTL != 2*time.Minute {
		t.Errorf("expected 2m, got %s", cfg.TokenTTL)
	}
	if cfg.TotalClasses != 32 {
		t.Errorf("expected 32, got %d", cfg.TotalClasses)
	}
	if cfg.EnforceTokenExpiry {
		t.Error("expected enforcement disabled")
	}
	origins := cfg.AllowedOrigins()
	if len(origins) != 2 || origins[0] != "https://a.example" {
		t.Errorf("unexpected origins %v", origins)
	}
}

func TestLoad_ProductionByDefault(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("JWT_SIGNING_KEY", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load to fail without a jwt signing key")
	}

	t.Setenv("JWT_SIGNING_KEY", "0123456789abcdef")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.IsProduction() {
		t.Errorf("expected production by default, got env %q", cfg.Env)
	}
	if cfg.AuthProvider != "jwt" {
		t.Errorf("expected jwt auth, got %q", cfg.AuthProvider)
	}
}

func TestValidate(t *testing.T) {
	base := App{
		StoreBackend:     "memory",
		QueueBackend:     "memory",
		AuthProvider:     "jwt",
		JWTSigningKey:    "0123456789abcdef",
		TotalClasses:     30,
		PassingThreshold: 80,
		TokenTTL:         time.Second,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	cases := map[string]func(*App){
		"unknown store":       func(a *App) { a.StoreBackend = "mongo" },
		"short key":           func(a *App) { a.JWTSigningKey = "short" },
		"firebase no project": func(a *App) { a.AuthProvider = "firebase" },
		"firestore no project": func(a *App) {
			a.StoreBackend = "firestore"
		},
		"zero classes":   func(a *App) { a.TotalClasses = 0 },
		"threshold 101":  func(a *App) { a.PassingThreshold = 101 },
		"no token ttl":   func(a *App) { a.TokenTTL = 0 },
		"unknown queue":  func(a *App) { a.QueueBackend = "kafka" },
		"unknown authpr": func(a *App) { a.AuthProvider = "ldap" },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
