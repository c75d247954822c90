package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// XPRules is the per-event XP table the outcome intake reads. It is loaded
// from XP_RULES_PATH when set, otherwise DefaultXPRules applies.
type XPRules struct {
	CorrectBase       int64 `toml:"correct_base"`
	IncorrectBase     int64 `toml:"incorrect_base"`
	CompletionBonus   int64 `toml:"completion_bonus"`
	NoHintBonus       int64 `toml:"no_hint_bonus"`
	PerHintPenalty    int64 `toml:"per_hint_penalty"`
	StreakBonusPerDay int64 `toml:"streak_bonus_per_day"`
	StreakBonusCap    int64 `toml:"streak_bonus_cap"`
	// MasteryMinAttempts is how many attempts a topic needs before its
	// mastery percentage counts as anything other than zero.
	MasteryMinAttempts int64 `toml:"mastery_min_attempts"`
}

var DefaultXPRules = XPRules{
	CorrectBase:        10,
	IncorrectBase:      2,
	CompletionBonus:    5,
	NoHintBonus:        5,
	PerHintPenalty:     2,
	StreakBonusPerDay:  1,
	StreakBonusCap:     10,
	MasteryMinAttempts: 5,
}

type Config struct {
	Port           string
	DatabaseURL    string
	ServiceToken   string
	AllowedOrigins []string
	LogMode        string

	RedisAddr    string
	RedisChannel string

	RosterSyncURL    string
	FulfillmentURL   string
	WorkerInterval   time.Duration
	ApprovalTTL      time.Duration
	LedgerMaxRetries int

	R2AccountID    string
	R2AccessKey    string
	R2SecretKey    string
	R2Bucket       string
	R2PublicPrefix string

	XP XPRules
}

// Load reads .env (if present) and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             envString("PORT", "5200"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		ServiceToken:     os.Getenv("SERVICE_TOKEN"),
		AllowedOrigins:   envList("ALLOWED_ORIGINS", "http://localhost:3000"),
		LogMode:          envString("LOG_MODE", "dev"),
		RedisAddr:        strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisChannel:     envString("REDIS_CHANNEL", "rewards.notifications"),
		RosterSyncURL:    strings.TrimSpace(os.Getenv("ROSTER_SYNC_URL")),
		FulfillmentURL:   strings.TrimSpace(os.Getenv("FULFILLMENT_URL")),
		WorkerInterval:   envDuration("WORKER_INTERVAL", time.Minute),
		ApprovalTTL:      envDuration("REDEMPTION_APPROVAL_TTL", 7*24*time.Hour),
		LedgerMaxRetries: envInt("LEDGER_MAX_RETRIES", 5),
		R2AccountID:      os.Getenv("CLOUDFLARE_ACCOUNT_ID"),
		R2AccessKey:      os.Getenv("R2_ACCESS_KEY_ID"),
		R2SecretKey:      os.Getenv("R2_ACCESS_KEY_SECRET"),
		R2Bucket:         os.Getenv("R2_BUCKET_NAME"),
		R2PublicPrefix:   envString("R2_SNAPSHOT_PREFIX", "leaderboards"),
		XP:               DefaultXPRules,
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable not set")
	}
	if cfg.ServiceToken == "" {
		return nil, fmt.Errorf("SERVICE_TOKEN environment variable not set")
	}

	if path := strings.TrimSpace(os.Getenv("XP_RULES_PATH")); path != "" {
		rules, err := LoadXPRules(path)
		if err != nil {
			return nil, err
		}
		cfg.XP = rules
	}
	return cfg, nil
}

// ArchiveEnabled reports whether snapshot archiving to R2 is configured.
func (c *Config) ArchiveEnabled() bool {
	return c.R2AccountID != "" && c.R2Bucket != ""
}

// LoadXPRules decodes a TOML rule table. Keys missing from the file keep
// their default values.
func LoadXPRules(path string) (XPRules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return XPRules{}, fmt.Errorf("failed to read xp rules: %w", err)
	}
	return ParseXPRules(raw)
}

func ParseXPRules(raw []byte) (XPRules, error) {
	rules := DefaultXPRules
	if err := toml.Unmarshal(raw, &rules); err != nil {
		return XPRules{}, fmt.Errorf("failed to decode xp rules: %w", err)
	}
	if rules.CorrectBase < 0 || rules.IncorrectBase < 0 || rules.CompletionBonus < 0 ||
		rules.NoHintBonus < 0 || rules.PerHintPenalty < 0 || rules.StreakBonusPerDay < 0 || rules.StreakBonusCap < 0 {
		return XPRules{}, fmt.Errorf("xp rules must not be negative")
	}
	return rules, nil
}

func envString(name, def string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

func envInt(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envDuration(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envList(name, def string) []string {
	raw := envString(name, def)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
