package httpapi

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/clawline/clawctl/infrastructure/httputil"
	"github.com/clawline/clawctl/internal/app/actuator"
	"github.com/clawline/clawctl/internal/app/domain/queue"
	"github.com/clawline/clawctl/internal/app/turnsm"
	"github.com/clawline/clawctl/internal/config"
)

// operatorAuth gates every /operator route behind the shared secret
// (constant-time comparison, matching the header-gate idiom used
// elsewhere in this tree) and, when an allowlist is configured, the
// caller's IP.
func (s *Server) operatorAuth(next http.Handler) http.Handler {
	cfg := s.app.Config
	expected := sha256.Sum256([]byte(cfg.OperatorToken))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.OperatorToken == "" {
			httputil.Forbidden(w, "operator surface disabled: no operator secret configured")
			return
		}
		received := r.Header.Get("X-Operator-Secret")
		if received == "" {
			httputil.Unauthorized(w, "missing operator secret")
			return
		}
		receivedHash := sha256.Sum256([]byte(received))
		if subtle.ConstantTimeCompare(receivedHash[:], expected[:]) != 1 {
			s.app.Log.WithFields(map[string]interface{}{"ip": httputil.ClientIP(r)}).Warn("operator auth rejected: bad secret")
			httputil.Unauthorized(w, "invalid operator secret")
			return
		}
		if len(cfg.OperatorIPAllowlist) > 0 && !ipAllowed(httputil.ClientIP(r), cfg.OperatorIPAllowlist) {
			s.app.Log.WithFields(map[string]interface{}{"ip": httputil.ClientIP(r)}).Warn("operator auth rejected: ip not allowlisted")
			httputil.Forbidden(w, "ip not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func ipAllowed(ip string, allowlist []string) bool {
	for _, a := range allowlist {
		if strings.TrimSpace(a) == ip {
			return true
		}
	}
	return false
}

func (s *Server) handleOperatorAdvance(w http.ResponseWriter, r *http.Request) {
	s.app.Machine.AdminForceEnd(r.Context(), queue.ResultAdminSkipped)
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleOperatorPause(w http.ResponseWriter, r *http.Request) {
	s.app.Machine.Pause(r.Context())
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleOperatorResume(w http.ResponseWriter, r *http.Request) {
	s.app.Machine.Resume(r.Context())
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleOperatorEmergencyStop(w http.ResponseWriter, r *http.Request) {
	s.app.Actuator.EmergencyStop(r.Context())
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleOperatorUnlock(w http.ResponseWriter, r *http.Request) {
	s.app.Actuator.Unlock()
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type dashboardResponse struct {
	turnsm.Snapshot
	Waiting          int      `json:"waiting"`
	Active           int      `json:"active"`
	Locked           bool     `json:"locked"`
	Paused           bool     `json:"paused"`
	ActiveDirections []string `json:"active_directions"`
}

func (s *Server) handleOperatorDashboard(w http.ResponseWriter, r *http.Request) {
	waiting, active, err := s.app.Queue.Status(r.Context())
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	dirs := s.app.Actuator.ActiveDirections()
	names := make([]string, 0, len(dirs))
	for _, d := range dirs {
		names = append(names, string(d))
	}
	httputil.WriteJSON(w, http.StatusOK, dashboardResponse{
		Snapshot:         s.app.Machine.Snapshot(),
		Waiting:          waiting,
		Active:           active,
		Locked:           s.app.Actuator.IsLocked(),
		Paused:           s.app.Machine.Paused(),
		ActiveDirections: names,
	})
}

func (s *Server) handleOperatorServices(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.app.ServiceDescriptors())
}

func (s *Server) handleOperatorGetConfig(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.app.Config)
}

// handleOperatorPatchConfig accepts a flat map of whitelisted keys.
// Keys editable without a restart take effect immediately; the rest
// are written back into the stored Config for the next restart to
// pick up and reported as such.
func (s *Server) handleOperatorPatchConfig(w http.ResponseWriter, r *http.Request) {
	var patch map[string]interface{}
	if !httputil.DecodeJSON(w, r, &patch) {
		return
	}

	cfg := s.app.Config
	pendingRestart := make([]string, 0)
	for key, value := range patch {
		live, recognized := config.Editable(key)
		if !recognized {
			httputil.BadRequest(w, "unrecognized or non-editable key: "+key)
			return
		}
		if err := applyConfigKey(cfg, key, value); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if !live {
			pendingRestart = append(pendingRestart, key)
		}
	}
	if err := cfg.Validate(); err != nil {
		httputil.BadRequest(w, "resulting config is invalid: "+err.Error())
		return
	}

	s.app.Machine.UpdateTiming(turnsm.Config{
		ReadyPromptSeconds:     cfg.ReadyPromptSeconds,
		TryMoveSeconds:         cfg.TryMoveSeconds,
		TurnTimeSeconds:        cfg.TurnTimeSeconds,
		PostDropWaitSeconds:    cfg.PostDropWaitSeconds,
		TriesPerPlayer:         cfg.TriesPerPlayer,
		CoinPerTry:             cfg.CoinPerTry,
		DisconnectGraceSeconds: cfg.DisconnectGraceSeconds,
	})
	s.app.Actuator.UpdateConflictMode(actuator.ConflictMode(cfg.DirectionConflict))

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"ok":              true,
		"pending_restart": pendingRestart,
	})
}

func applyConfigKey(cfg *config.Config, key string, value interface{}) error {
	asInt := func() (int, bool) { f, ok := value.(float64); return int(f), ok }
	asBool := func() (bool, bool) { b, ok := value.(bool); return b, ok }
	asString := func() (string, bool) { str, ok := value.(string); return str, ok }
	asFloat := func() (float64, bool) { f, ok := value.(float64); return f, ok }

	switch key {
	case "tries_per_player":
		v, ok := asInt()
		if !ok {
			return errBadType(key)
		}
		cfg.TriesPerPlayer = v
	case "turn_time_seconds":
		v, ok := asInt()
		if !ok {
			return errBadType(key)
		}
		cfg.TurnTimeSeconds = v
	case "try_move_seconds":
		v, ok := asInt()
		if !ok {
			return errBadType(key)
		}
		cfg.TryMoveSeconds = v
	case "post_drop_wait_seconds":
		v, ok := asInt()
		if !ok {
			return errBadType(key)
		}
		cfg.PostDropWaitSeconds = v
	case "ready_prompt_seconds":
		v, ok := asInt()
		if !ok {
			return errBadType(key)
		}
		cfg.ReadyPromptSeconds = v
	case "queue_grace_period_seconds":
		v, ok := asInt()
		if !ok {
			return errBadType(key)
		}
		cfg.DisconnectGraceSeconds = v
	case "coin_each_try":
		v, ok := asBool()
		if !ok {
			return errBadType(key)
		}
		cfg.CoinPerTry = v
	case "command_rate_limit_hz":
		v, ok := asFloat()
		if !ok {
			return errBadType(key)
		}
		cfg.CommandRateLimitHz = v
	case "direction_conflict_mode":
		v, ok := asString()
		if !ok {
			return errBadType(key)
		}
		cfg.DirectionConflict = v
	case "max_status_viewers":
		v, ok := asInt()
		if !ok {
			return errBadType(key)
		}
		cfg.MaxStatusViewers = v
	case "status_send_timeout_s":
		v, ok := asInt()
		if !ok {
			return errBadType(key)
		}
		cfg.StatusSendTimeoutS = v
	case "coin_pulse_ms":
		v, ok := asInt()
		if !ok {
			return errBadType(key)
		}
		cfg.CoinPulseMs = v
	case "drop_pulse_ms":
		v, ok := asInt()
		if !ok {
			return errBadType(key)
		}
		cfg.DropPulseMs = v
	case "min_inter_pulse_ms":
		v, ok := asInt()
		if !ok {
			return errBadType(key)
		}
		cfg.MinInterPulseMs = v
	case "direction_hold_max_ms":
		v, ok := asInt()
		if !ok {
			return errBadType(key)
		}
		cfg.DirectionHoldMaxMs = v
	case "db_retention_hours":
		v, ok := asInt()
		if !ok {
			return errBadType(key)
		}
		cfg.DBRetentionHours = v
	case "watchdog_health_url":
		v, ok := asString()
		if !ok {
			return errBadType(key)
		}
		cfg.WatchdogHealthURL = v
	case "watchdog_check_interval_s":
		v, ok := asInt()
		if !ok {
			return errBadType(key)
		}
		cfg.WatchdogCheckIntervalS = v
	case "watchdog_fail_threshold":
		v, ok := asInt()
		if !ok {
			return errBadType(key)
		}
		cfg.WatchdogFailThreshold = v
	}
	return nil
}

func errBadType(key string) error {
	return fmt.Errorf("invalid value type for %s", key)
}

func (s *Server) handleOperatorEventHistory(w http.ResponseWriter, r *http.Request) {
	entryID := mux.Vars(r)["entry_id"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.app.Queue.EventHistory(r.Context(), entryID, limit)
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, events)
}

func (s *Server) handleOperatorKick(w http.ResponseWriter, r *http.Request) {
	entryID := mux.Vars(r)["entry_id"]
	snap := s.app.Machine.Snapshot()
	if snap.ActiveEntryID == entryID {
		s.app.Machine.AdminForceEnd(r.Context(), queue.ResultCancelled)
		httputil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	if err := s.app.Queue.Kick(r.Context(), entryID); err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
