package config

import "testing"

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load to fail without JWT_SECRET")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected default port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Rooms.MaxChannels != 500 {
		t.Errorf("expected default max channels 500, got %d", cfg.Rooms.MaxChannels)
	}
	if cfg.Mail.Enabled {
		t.Error("expected mail to be disabled without RESEND_API_KEY")
	}
	if cfg.Redis.Enabled {
		t.Error("expected redis to be disabled without REDIS_ADDR")
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("SERVER_PORT", "8080")
	t.Setenv("SERVER_HOST", "127.0.0.1")
	t.Setenv("RESEND_API_KEY", "key-123")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected overridden port 8080, got %d", cfg.Server.Port)
	}
	if !cfg.Mail.Enabled {
		t.Error("expected mail to be enabled with RESEND_API_KEY set")
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("expected redis enabled with addr localhost:6379, got %+v", cfg.Redis)
	}
	if cfg.Server.Addr() != "127.0.0.1:8080" {
		t.Errorf("expected Addr() to combine host and port, got %q", cfg.Server.Addr())
	}
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("SERVER_PORT", "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load to reject a non-numeric SERVER_PORT")
	}
}
