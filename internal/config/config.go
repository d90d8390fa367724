package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the fulfillment core and its
// supporting services. Every field is typed and validated at load time.
type Config struct {
	MySQLDSN string

	NATSURL        string
	TaskAckWait    time.Duration
	TaskMaxDeliver int

	LuminaAPIKey   string
	LuminaBaseURL  string
	RequestTimeout time.Duration

	WorkerConcurrency int

	// HDCreditCost is the ledger amount held and captured per HD delivery.
	HDCreditCost int
	// TakeCreditCost is held per credit-funded take once quotas are spent.
	TakeCreditCost int
	// MakeGoodCredit is granted on top of the released hold when a delivery
	// breaches its SLA or fails permanently.
	MakeGoodCredit      int
	DefaultFavoritesCap int
	FreeTakesLimit      int
	CopyTakesLimit      int

	WatchdogInterval    time.Duration
	SessionAbandonAfter time.Duration
	DefaultHDSlaMinutes int

	ReferralHoldHours      int
	ReferralBonusCredits   int
	ReferralMinAmount      int
	ReferralDailyLimit     int
	ReferralMonthlyLimit   int
	ReferralSettleInterval time.Duration

	PaymentCurrency string

	AdminListenAddr string
	AdminUsername   string
	AdminPassword   string

	TelegramBotToken string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		MySQLDSN: os.Getenv("MYSQL_DSN"),

		NATSURL:        os.Getenv("NATS_URL"),
		TaskAckWait:    getDuration("TASK_ACK_WAIT", 2*time.Minute),
		TaskMaxDeliver: getInt("TASK_MAX_DELIVER", 5),

		LuminaAPIKey:   os.Getenv("LUMINA_API_KEY"),
		LuminaBaseURL:  getEnv("LUMINA_BASE_URL", "https://api.lumina.art"),
		RequestTimeout: time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 120)),

		WorkerConcurrency: getInt("WORKER_CONCURRENCY", 4),

		HDCreditCost:        getInt("HD_CREDIT_COST", 5),
		TakeCreditCost:      getInt("TAKE_CREDIT_COST", 1),
		MakeGoodCredit:      getInt("MAKE_GOOD_CREDIT", 5),
		DefaultFavoritesCap: getInt("DEFAULT_FAVORITES_CAP", 30),
		FreeTakesLimit:      getInt("FREE_TAKES_LIMIT", 1),
		CopyTakesLimit:      getInt("COPY_TAKES_LIMIT", 1),

		WatchdogInterval:    getDuration("WATCHDOG_INTERVAL", time.Minute),
		SessionAbandonAfter: getDuration("SESSION_ABANDON_AFTER", 72*time.Hour),
		DefaultHDSlaMinutes: getInt("DEFAULT_HD_SLA_MINUTES", 30),

		ReferralHoldHours:      getInt("REFERRAL_HOLD_HOURS", 72),
		ReferralBonusCredits:   getInt("REFERRAL_BONUS_CREDITS", 25),
		ReferralMinAmount:      getInt("REFERRAL_MIN_AMOUNT_MINOR_UNITS", 10000),
		ReferralDailyLimit:     getInt("REFERRAL_DAILY_LIMIT", 5),
		ReferralMonthlyLimit:   getInt("REFERRAL_MONTHLY_LIMIT", 50),
		ReferralSettleInterval: getDuration("REFERRAL_SETTLE_INTERVAL", 5*time.Minute),

		PaymentCurrency: getEnv("PAYMENT_CURRENCY", "RUB"),

		AdminListenAddr: getEnv("ADMIN_LISTEN_ADDR", ":8080"),
		AdminUsername:   getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:   getEnv("ADMIN_PASSWORD", "change-me"),

		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3Region:        os.Getenv("S3_REGION"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:  getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:        getEnv("S3_PREFIX", "sessions"),
	}

	var missing []string
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if cfg.LuminaAPIKey == "" {
		missing = append(missing, "LUMINA_API_KEY")
	}
	if cfg.S3Region == "" {
		missing = append(missing, "S3_REGION")
	}
	if cfg.S3AccessKey == "" {
		missing = append(missing, "S3_ACCESS_KEY")
	}
	if cfg.S3SecretKey == "" {
		missing = append(missing, "S3_SECRET_KEY")
	}
	if cfg.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if cfg.S3PublicBaseURL == "" {
		missing = append(missing, "S3_PUBLIC_BASE_URL")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.HDCreditCost <= 0 {
		return fmt.Errorf("HD_CREDIT_COST must be positive, got %d", c.HDCreditCost)
	}
	if c.TakeCreditCost <= 0 {
		return fmt.Errorf("TAKE_CREDIT_COST must be positive, got %d", c.TakeCreditCost)
	}
	if c.MakeGoodCredit < 0 {
		return fmt.Errorf("MAKE_GOOD_CREDIT cannot be negative, got %d", c.MakeGoodCredit)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency)
	}
	if c.TaskMaxDeliver <= 0 {
		return fmt.Errorf("TASK_MAX_DELIVER must be positive, got %d", c.TaskMaxDeliver)
	}
	if c.ReferralHoldHours < 0 {
		return fmt.Errorf("REFERRAL_HOLD_HOURS cannot be negative, got %d", c.ReferralHoldHours)
	}
	if c.DefaultFavoritesCap <= 0 {
		return fmt.Errorf("DEFAULT_FAVORITES_CAP must be positive, got %d", c.DefaultFavoritesCap)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	// Environment-only configuration is fine; env files are optional.
	return nil
}

// String renders a redacted one-line summary safe for startup logs.
func (c Config) String() string {
	return strings.Join([]string{
		"admin=" + c.AdminListenAddr,
		"nats=" + c.NATSURL,
		"workers=" + strconv.Itoa(c.WorkerConcurrency),
		"hd_cost=" + strconv.Itoa(c.HDCreditCost),
	}, " ")
}
