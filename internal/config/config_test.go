package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/photoset")
	t.Setenv("LUMINA_API_KEY", "key")
	t.Setenv("S3_REGION", "us-east-1")
	t.Setenv("S3_ACCESS_KEY", "ak")
	t.Setenv("S3_SECRET_KEY", "sk")
	t.Setenv("S3_BUCKET", "artifacts")
	t.Setenv("S3_PUBLIC_BASE_URL", "https://cdn.example.com")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HDCreditCost != 5 {
		t.Fatalf("expected default HD_CREDIT_COST 5, got %d", cfg.HDCreditCost)
	}
	if cfg.TaskMaxDeliver != 5 {
		t.Fatalf("expected default TASK_MAX_DELIVER 5, got %d", cfg.TaskMaxDeliver)
	}
	if cfg.ReferralHoldHours != 72 {
		t.Fatalf("expected default REFERRAL_HOLD_HOURS 72, got %d", cfg.ReferralHoldHours)
	}
	if cfg.WatchdogInterval != time.Minute {
		t.Fatalf("expected default watchdog interval 1m, got %s", cfg.WatchdogInterval)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("MYSQL_DSN", "")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "MYSQL_DSN") {
		t.Fatalf("expected missing MYSQL_DSN error, got %v", err)
	}
}

func TestLoadValidation(t *testing.T) {
	setRequired(t)
	t.Setenv("HD_CREDIT_COST", "0")

	if _, err := Load(); err == nil {
		t.Fatal("expected zero HD_CREDIT_COST to be rejected")
	}
}

func TestGetIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("SOME_INT", "not-a-number")
	if got := getInt("SOME_INT", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestStringRedactsSecrets(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	summary := cfg.String()
	for _, secret := range []string{"pass", "key", "sk"} {
		if strings.Contains(summary, secret) {
			t.Fatalf("startup summary leaks %q: %s", secret, summary)
		}
	}
}
