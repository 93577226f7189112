// Package config loads and range-validates the tuneable surface
// described in the system's configuration table: turn timing, pulse
// durations, rate limits, fan-out caps, retention, and watchdog/
// hardware mapping. Each tuneable also carries whether the operator
// `config` endpoint may change it live or whether it requires a
// restart.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	slruntime "github.com/clawline/clawctl/internal/runtime"
)

// Config holds every recognized tuneable.
type Config struct {
	Env slruntime.Environment

	// Turn State Machine timing
	TriesPerPlayer         int
	TurnTimeSeconds        int
	TryMoveSeconds         int
	PostDropWaitSeconds    int
	ReadyPromptSeconds     int
	DisconnectGraceSeconds int
	// CoinPerTry pulses the coin line at every try start when true.
	// When false no coin is pulsed at all; whether the physical machine
	// then needs a coin is left to the operator.
	CoinPerTry             bool

	// Actuator
	CoinPulseMs        int
	CoinSettleMs       int
	DropPulseMs        int
	MinInterPulseMs    int
	DirectionHoldMaxMs int
	DirectionConflict  string // ignore_new | replace
	CoinPinPolarityHigh,
	DropPinPolarityHigh,
	DirectionPinPolarityHigh bool
	WinSensorPullHigh bool
	WinSensorDebounceMs int

	// Hardware pin map (BCM/sysfs GPIO numbers)
	CoinPin       int
	DropPin       int
	NorthPin      int
	SouthPin      int
	EastPin       int
	WestPin       int
	WinSensorPin  int

	// Control Session
	CommandRateLimitHz   float64
	CommandRateBurst     int
	ControlPreAuthTimeoutS int
	MaxControlSessions   int

	// Broadcast Hub
	MaxStatusViewers   int
	StatusSendTimeoutS int

	// Persistence / retention
	DBDSN             string
	DBRetentionHours  int

	// Watchdog
	WatchdogHealthURL       string
	WatchdogCheckIntervalS  int
	WatchdogFailThreshold   int

	// Admission / operator auth
	TokenSalt     string
	OperatorToken string
	OperatorIPAllowlist []string

	// HTTP
	HTTPAddr string

	// Logging
	LogLevel  string
	LogFormat string
}

// editable records, per key, whether the operator `config` endpoint
// may update it live (true) or whether it only takes effect on the
// next restart (false). Keys absent from this map are not part of the
// whitelisted operator-editable surface at all.
var editable = map[string]bool{
	"tries_per_player":            true,
	"turn_time_seconds":           true,
	"try_move_seconds":            true,
	"post_drop_wait_seconds":      true,
	"ready_prompt_seconds":        true,
	"queue_grace_period_seconds":  true,
	"coin_each_try":               true,
	"command_rate_limit_hz":       true,
	"direction_conflict_mode":     true,
	"max_status_viewers":          false, // the hub reads its cap once at Build; restart required
	"status_send_timeout_s":       false, // affects in-flight send goroutines; restart required
	"coin_pulse_ms":               false, // hardware timing, restart required
	"drop_pulse_ms":               false,
	"min_inter_pulse_ms":          false,
	"direction_hold_max_ms":       false,
	"db_retention_hours":          true, // stored only; no component prunes by it
	"watchdog_health_url":         false,
	"watchdog_check_interval_s":   false,
	"watchdog_fail_threshold":     false,
}

// Editable reports whether key is on the operator-editable whitelist
// and, if so, whether it can be changed without a restart.
func Editable(key string) (editableLive bool, recognized bool) {
	v, ok := editable[key]
	return v, ok
}

// Load reads configuration from the process environment, optionally
// preceded by an environment-specific .env file (development/testing
// convenience; production deployments are expected to set real
// environment variables).
func Load() (*Config, error) {
	env := slruntime.Env()

	envFile := fmt.Sprintf("config/%s.env", env)
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Printf("warning: could not load %s: %v\n", envFile, err)
	}

	c := &Config{Env: env}
	if err := c.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate configuration: %w", err)
	}
	return c, nil
}

func (c *Config) loadFromEnv() error {
	c.TriesPerPlayer = getIntEnv("TRIES_PER_PLAYER", 3)
	c.TurnTimeSeconds = getIntEnv("TURN_TIME_SECONDS", 45)
	c.TryMoveSeconds = getIntEnv("TRY_MOVE_SECONDS", 12)
	c.PostDropWaitSeconds = getIntEnv("POST_DROP_WAIT_SECONDS", 5)
	c.ReadyPromptSeconds = getIntEnv("READY_PROMPT_SECONDS", 15)
	c.DisconnectGraceSeconds = getIntEnv("QUEUE_GRACE_PERIOD_SECONDS", 20)
	c.CoinPerTry = getBoolEnv("COIN_EACH_TRY", false)

	c.CoinPulseMs = getIntEnv("COIN_PULSE_MS", 120)
	c.CoinSettleMs = getIntEnv("COIN_SETTLE_MS", 500)
	c.DropPulseMs = getIntEnv("DROP_PULSE_MS", 500)
	c.MinInterPulseMs = getIntEnv("MIN_INTER_PULSE_MS", 400)
	c.DirectionHoldMaxMs = getIntEnv("DIRECTION_HOLD_MAX_MS", 8000)
	c.DirectionConflict = getEnv("DIRECTION_CONFLICT_MODE", "ignore_new")
	c.CoinPinPolarityHigh = getBoolEnv("COIN_PIN_ACTIVE_HIGH", true)
	c.DropPinPolarityHigh = getBoolEnv("DROP_PIN_ACTIVE_HIGH", true)
	c.DirectionPinPolarityHigh = getBoolEnv("DIRECTION_PIN_ACTIVE_HIGH", true)
	c.WinSensorPullHigh = getBoolEnv("WIN_SENSOR_ACTIVE_HIGH", true)
	c.WinSensorDebounceMs = getIntEnv("WIN_SENSOR_DEBOUNCE_MS", 60)

	c.CoinPin = getIntEnv("COIN_PIN", 17)
	c.DropPin = getIntEnv("DROP_PIN", 27)
	c.NorthPin = getIntEnv("NORTH_PIN", 22)
	c.SouthPin = getIntEnv("SOUTH_PIN", 23)
	c.EastPin = getIntEnv("EAST_PIN", 24)
	c.WestPin = getIntEnv("WEST_PIN", 25)
	c.WinSensorPin = getIntEnv("WIN_SENSOR_PIN", 26)

	c.CommandRateLimitHz = getFloatEnv("COMMAND_RATE_LIMIT_HZ", 20)
	c.CommandRateBurst = getIntEnv("COMMAND_RATE_BURST", 10)
	c.ControlPreAuthTimeoutS = getIntEnv("CONTROL_PRE_AUTH_TIMEOUT_S", 10)
	c.MaxControlSessions = getIntEnv("MAX_CONTROL_SESSIONS", 1)

	c.MaxStatusViewers = getIntEnv("MAX_STATUS_VIEWERS", 200)
	c.StatusSendTimeoutS = getIntEnv("STATUS_SEND_TIMEOUT_S", 2)

	c.DBDSN = getEnv("DATABASE_DSN", "")
	c.DBRetentionHours = getIntEnv("DB_RETENTION_HOURS", 720)

	c.WatchdogHealthURL = getEnv("WATCHDOG_HEALTH_URL", "http://127.0.0.1:8080/healthz")
	c.WatchdogCheckIntervalS = getIntEnv("WATCHDOG_CHECK_INTERVAL_S", 5)
	c.WatchdogFailThreshold = getIntEnv("WATCHDOG_FAIL_THRESHOLD", 3)

	c.TokenSalt = getEnv("TOKEN_SALT", "")
	c.OperatorToken = getEnv("OPERATOR_SECRET", "")
	if allow := getEnv("OPERATOR_IP_ALLOWLIST", ""); allow != "" {
		c.OperatorIPAllowlist = strings.Split(allow, ",")
	}

	c.HTTPAddr = getEnv("HTTP_ADDR", ":8080")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "json")

	return nil
}

// Validate range-checks every tuneable. It is called once at boot and
// again whenever the operator `config` endpoint updates a live-editable
// key.
func (c *Config) Validate() error {
	if c.TriesPerPlayer < 1 || c.TriesPerPlayer > 10 {
		return fmt.Errorf("tries_per_player must be between 1 and 10, got %d", c.TriesPerPlayer)
	}
	if c.TurnTimeSeconds < 10 || c.TurnTimeSeconds > 600 {
		return fmt.Errorf("turn_time_seconds must be between 10 and 600, got %d", c.TurnTimeSeconds)
	}
	if c.TryMoveSeconds < 3 || c.TryMoveSeconds > 120 {
		return fmt.Errorf("try_move_seconds must be between 3 and 120, got %d", c.TryMoveSeconds)
	}
	if c.PostDropWaitSeconds < 1 || c.PostDropWaitSeconds > 30 {
		return fmt.Errorf("post_drop_wait_seconds must be between 1 and 30, got %d", c.PostDropWaitSeconds)
	}
	if c.ReadyPromptSeconds < 3 || c.ReadyPromptSeconds > 120 {
		return fmt.Errorf("ready_prompt_seconds must be between 3 and 120, got %d", c.ReadyPromptSeconds)
	}
	if c.DisconnectGraceSeconds < 0 || c.DisconnectGraceSeconds > 300 {
		return fmt.Errorf("queue_grace_period_seconds must be between 0 and 300, got %d", c.DisconnectGraceSeconds)
	}
	if c.CoinPulseMs < 10 || c.CoinPulseMs > 5000 {
		return fmt.Errorf("coin_pulse_ms must be between 10 and 5000, got %d", c.CoinPulseMs)
	}
	if c.DropPulseMs < 10 || c.DropPulseMs > 5000 {
		return fmt.Errorf("drop_pulse_ms must be between 10 and 5000, got %d", c.DropPulseMs)
	}
	if c.CoinSettleMs < 0 || c.CoinSettleMs > 5000 {
		return fmt.Errorf("coin_settle_ms must be between 0 and 5000, got %d", c.CoinSettleMs)
	}
	if c.WinSensorDebounceMs < 0 || c.WinSensorDebounceMs > 2000 {
		return fmt.Errorf("win_sensor_debounce_ms must be between 0 and 2000, got %d", c.WinSensorDebounceMs)
	}
	if c.MinInterPulseMs < 0 || c.MinInterPulseMs > 10000 {
		return fmt.Errorf("min_inter_pulse_ms must be between 0 and 10000, got %d", c.MinInterPulseMs)
	}
	if c.DirectionHoldMaxMs < 500 || c.DirectionHoldMaxMs > 60000 {
		return fmt.Errorf("direction_hold_max_ms must be between 500 and 60000, got %d", c.DirectionHoldMaxMs)
	}
	if c.DirectionConflict != "ignore_new" && c.DirectionConflict != "replace" {
		return fmt.Errorf("direction_conflict_mode must be ignore_new or replace, got %q", c.DirectionConflict)
	}
	if c.CommandRateLimitHz <= 0 || c.CommandRateLimitHz > 200 {
		return fmt.Errorf("command_rate_limit_hz must be between 0 and 200, got %f", c.CommandRateLimitHz)
	}
	if c.MaxStatusViewers < 1 || c.MaxStatusViewers > 10000 {
		return fmt.Errorf("max_status_viewers must be between 1 and 10000, got %d", c.MaxStatusViewers)
	}
	if c.StatusSendTimeoutS < 1 || c.StatusSendTimeoutS > 30 {
		return fmt.Errorf("status_send_timeout_s must be between 1 and 30, got %d", c.StatusSendTimeoutS)
	}
	if c.DBRetentionHours < 1 {
		return fmt.Errorf("db_retention_hours must be positive, got %d", c.DBRetentionHours)
	}
	if c.WatchdogCheckIntervalS < 1 || c.WatchdogCheckIntervalS > 60 {
		return fmt.Errorf("watchdog_check_interval_s must be between 1 and 60, got %d", c.WatchdogCheckIntervalS)
	}
	if c.WatchdogFailThreshold < 1 || c.WatchdogFailThreshold > 20 {
		return fmt.Errorf("watchdog_fail_threshold must be between 1 and 20, got %d", c.WatchdogFailThreshold)
	}
	if c.Env == slruntime.Production {
		if c.OperatorToken == "" {
			return fmt.Errorf("operator_secret is required in production")
		}
		if c.TokenSalt == "" {
			return fmt.Errorf("token_salt is required in production")
		}
		if c.DBDSN == "" {
			return fmt.Errorf("database_dsn is required in production")
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}
