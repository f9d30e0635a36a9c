package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != DefaultPort {
		t.Errorf("Port = %q, want %q", cfg.Port, DefaultPort)
	}
	if cfg.ChainID != DefaultChainID {
		t.Errorf("ChainID = %d, want %d", cfg.ChainID, DefaultChainID)
	}
	if cfg.Currency != DefaultCurrency {
		t.Errorf("Currency = %q, want %q", cfg.Currency, DefaultCurrency)
	}
	if cfg.PlatformFeeBps != DefaultPlatformFeeBps {
		t.Errorf("PlatformFeeBps = %d, want %d", cfg.PlatformFeeBps, DefaultPlatformFeeBps)
	}
	if cfg.AutoFinalizeGrace != DefaultAutoFinalizeGrace {
		t.Errorf("AutoFinalizeGrace = %v, want %v", cfg.AutoFinalizeGrace, DefaultAutoFinalizeGrace)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("PLATFORM_FEE_BPS", "300")
	t.Setenv("ANTI_SNIPE_WINDOW", "5m")
	t.Setenv("CURRENCY", "EUR")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != "9999" {
		t.Errorf("Port = %q, want 9999", cfg.Port)
	}
	if cfg.PlatformFeeBps != 300 {
		t.Errorf("PlatformFeeBps = %d, want 300", cfg.PlatformFeeBps)
	}
	if cfg.AntiSnipeWindow != 5*time.Minute {
		t.Errorf("AntiSnipeWindow = %v, want 5m", cfg.AntiSnipeWindow)
	}
	if cfg.Currency != "EUR" {
		t.Errorf("Currency = %q, want EUR", cfg.Currency)
	}
}

func TestValidatePrivateKey(t *testing.T) {
	t.Setenv("PRIVATE_KEY", "not-a-key")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "PRIVATE_KEY") {
		t.Errorf("expected PRIVATE_KEY error, got %v", err)
	}

	t.Setenv("PRIVATE_KEY", "0x"+strings.Repeat("ab", 32))
	if _, err := Load(); err != nil {
		t.Errorf("0x-prefixed 64-hex key must validate, got %v", err)
	}
}

func TestValidateFeeRanges(t *testing.T) {
	t.Setenv("PLATFORM_FEE_BPS", "10001")
	if _, err := Load(); err == nil {
		t.Error("expected out-of-range platform fee error")
	}

	t.Setenv("PLATFORM_FEE_BPS", "9950")
	t.Setenv("REFERRAL_BPS", "100")
	if _, err := Load(); err == nil {
		t.Error("expected combined fee overflow error")
	}
}

func TestInvalidEnvValuesFallBack(t *testing.T) {
	t.Setenv("CHAIN_ID", "not-a-number")
	t.Setenv("SWEEP_INTERVAL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ChainID != DefaultChainID {
		t.Errorf("ChainID = %d, want default %d", cfg.ChainID, DefaultChainID)
	}
	if cfg.SweepInterval != DefaultSweepInterval {
		t.Errorf("SweepInterval = %v, want default %v", cfg.SweepInterval, DefaultSweepInterval)
	}
}

func TestEnvHelpers(t *testing.T) {
	cfg := &Config{Env: "development"}
	if !cfg.IsDevelopment() || cfg.IsProduction() {
		t.Error("development mode misreported")
	}
	cfg.Env = "production"
	if cfg.IsDevelopment() || !cfg.IsProduction() {
		t.Error("production mode misreported")
	}
}
