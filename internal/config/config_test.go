package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadFromEnv_AppliesDefaults(t *testing.T) {
	clearEnv(t, "TRIES_PER_PLAYER", "DIRECTION_CONFLICT_MODE", "COMMAND_RATE_LIMIT_HZ")

	c := &Config{}
	if err := c.loadFromEnv(); err != nil {
		t.Fatalf("loadFromEnv: %v", err)
	}
	if c.TriesPerPlayer != 3 {
		t.Errorf("expected default tries_per_player 3, got %d", c.TriesPerPlayer)
	}
	if c.DirectionConflict != "ignore_new" {
		t.Errorf("expected default direction_conflict_mode ignore_new, got %s", c.DirectionConflict)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestValidate_RejectsOutOfRangeTriesPerPlayer(t *testing.T) {
	c := &Config{
		TriesPerPlayer: 0, TurnTimeSeconds: 45, TryMoveSeconds: 12, PostDropWaitSeconds: 5,
		ReadyPromptSeconds: 15, DisconnectGraceSeconds: 20, CoinPulseMs: 120, DropPulseMs: 500,
		MinInterPulseMs: 400, DirectionHoldMaxMs: 8000, DirectionConflict: "ignore_new",
		CommandRateLimitHz: 20, MaxStatusViewers: 200, StatusSendTimeoutS: 2, DBRetentionHours: 720,
		WatchdogCheckIntervalS: 5, WatchdogFailThreshold: 3,
	}
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error for tries_per_player=0")
	}
}

func TestValidate_RejectsUnknownDirectionConflictMode(t *testing.T) {
	c := validConfig()
	c.DirectionConflict = "bogus"
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error for unknown direction_conflict_mode")
	}
}

func TestValidate_RequiresOperatorSecretInProduction(t *testing.T) {
	c := validConfig()
	c.Env = "production"
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error for missing operator_secret in production")
	}
	c.OperatorToken = "s3cret"
	c.TokenSalt = "salt"
	c.DBDSN = "postgres://localhost/clawctl"
	if err := c.Validate(); err != nil {
		t.Errorf("expected production config with secrets set to validate, got %v", err)
	}
}

func TestEditable_DistinguishesLiveFromRestartRequired(t *testing.T) {
	live, ok := Editable("tries_per_player")
	if !ok || !live {
		t.Error("expected tries_per_player to be live-editable")
	}
	live, ok = Editable("coin_pulse_ms")
	if !ok || live {
		t.Error("expected coin_pulse_ms to require a restart")
	}
	if _, ok := Editable("not_a_real_key"); ok {
		t.Error("expected unknown key to be unrecognized")
	}
}

func validConfig() *Config {
	return &Config{
		TriesPerPlayer: 3, TurnTimeSeconds: 45, TryMoveSeconds: 12, PostDropWaitSeconds: 5,
		ReadyPromptSeconds: 15, DisconnectGraceSeconds: 20, CoinPulseMs: 120, DropPulseMs: 500,
		MinInterPulseMs: 400, DirectionHoldMaxMs: 8000, DirectionConflict: "ignore_new",
		CommandRateLimitHz: 20, MaxStatusViewers: 200, StatusSendTimeoutS: 2, DBRetentionHours: 720,
		WatchdogCheckIntervalS: 5, WatchdogFailThreshold: 3,
	}
}
