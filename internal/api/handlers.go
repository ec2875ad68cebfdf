package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/tadoctl/tadod/internal/batch"
	"github.com/tadoctl/tadod/internal/tado"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	decision := s.deps.Scheduler.LastDecision()
	state := s.deps.Ledger.Current()
	latch := s.deps.Ledger.RateLimited()

	resp := map[string]any{
		"api_status":           decision.Status.APIStatus(),
		"status":               decision.Status.String(),
		"interval_s":           decision.Interval.Seconds(),
		"suspended":            decision.Suspended,
		"reason":               decision.Reason,
		"quota":                state,
		"cost":                 s.deps.Estimator.Snapshot(),
		"predicted_daily_cost": s.deps.Estimator.PredictedDailyCost(decision.Interval),
		"pending":              s.deps.Commands.Pending(),
	}
	if latch.Active {
		resp["rate_limited"] = map[string]any{"since": latch.Since, "until": latch.Until}
	}
	if home := s.deps.Cache.Home(); home != nil {
		resp["home"] = home
	}

	writeJSON(w, http.StatusOK, resp)
}

// zoneView joins room metadata with its live state, when known.
type zoneView struct {
	tado.Room
	State *tado.RoomState `json:"state,omitempty"`
}

func (s *Server) handleZones(w http.ResponseWriter, _ *http.Request) {
	rooms := s.deps.Cache.Rooms()
	zones := make([]zoneView, 0, len(rooms))
	for _, room := range rooms {
		view := zoneView{Room: room}
		if state, ok := s.deps.Cache.RoomState(room.ID); ok {
			view.State = &state
		}
		zones = append(zones, view)
	}
	writeJSON(w, http.StatusOK, zones)
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Cache.Devices())
}

func (s *Server) handleSetOverlay(w http.ResponseWriter, r *http.Request) {
	zone, ok := zoneID(w, r)
	if !ok {
		return
	}

	var req struct {
		Power       string   `json:"power"`
		Temperature *float64 `json:"temperature"`
		DurationS   int      `json:"duration_s"`
		Termination string   `json:"termination"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	overlay := &tado.Overlay{
		Power:       tado.PowerOn,
		Termination: tado.Termination{Type: tado.TerminationManual},
	}
	if req.Power != "" {
		overlay.Power = req.Power
	}
	if req.Temperature != nil {
		overlay.Temperature = &tado.Temperature{Celsius: *req.Temperature}
	}
	switch {
	case req.DurationS > 0:
		overlay.Termination = tado.Termination{Type: tado.TerminationTimer, DurationSeconds: req.DurationS}
	case req.Termination == "next_block":
		overlay.Termination = tado.Termination{Type: tado.TerminationNextTimeBlock}
	}

	s.submit(w, batch.NewIntent(batch.ZoneTarget(zone), batch.OpSetOverlay, batch.Payload{Overlay: overlay}))
}

func (s *Server) handleResumeSchedule(w http.ResponseWriter, r *http.Request) {
	zone, ok := zoneID(w, r)
	if !ok {
		return
	}
	s.submit(w, batch.NewIntent(batch.ZoneTarget(zone), batch.OpResumeSchedule, batch.Payload{}))
}

// zoneToggle serves the boolean per-zone settings.
func (s *Server) zoneToggle(op batch.Op) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		zone, ok := zoneID(w, r)
		if !ok {
			return
		}
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		s.submit(w, batch.NewIntent(batch.ZoneTarget(zone), op, batch.Payload{Enabled: req.Enabled}))
	}
}

func (s *Server) handleOpenWindow(w http.ResponseWriter, r *http.Request) {
	zone, ok := zoneID(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled  bool `json:"enabled"`
		TimeoutS int  `json:"timeout_s"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.submit(w, batch.NewIntent(batch.ZoneTarget(zone), batch.OpSetOpenWindow, batch.Payload{
		Enabled: req.Enabled,
		Timeout: time.Duration(req.TimeoutS) * time.Second,
	}))
}

func (s *Server) handleAwayTemperature(w http.ResponseWriter, r *http.Request) {
	zone, ok := zoneID(w, r)
	if !ok {
		return
	}
	var req struct {
		Celsius float64 `json:"celsius"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.submit(w, batch.NewIntent(batch.ZoneTarget(zone), batch.OpSetAwayTemperature, batch.Payload{Celsius: req.Celsius}))
}

func (s *Server) handleChildLock(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.submit(w, batch.NewIntent(batch.DeviceTarget(serial), batch.OpSetChildLock, batch.Payload{Enabled: req.Enabled}))
}

func (s *Server) handleOffset(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]
	var req struct {
		Celsius float64 `json:"celsius"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.submit(w, batch.NewIntent(batch.DeviceTarget(serial), batch.OpSetOffset, batch.Payload{Celsius: req.Celsius}))
}

func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]
	s.submit(w, batch.NewIntent(batch.DeviceTarget(serial), batch.OpIdentify, batch.Payload{}))
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Presence string `json:"presence"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.submit(w, batch.NewIntent(batch.HomeTarget(), batch.OpSetPresence, batch.Payload{Presence: req.Presence}))
}

func (s *Server) handleMeterReading(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reading int    `json:"reading"`
		Date    string `json:"date"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Date == "" {
		req.Date = time.Now().Format("2006-01-02")
	}
	s.submit(w, batch.NewIntent(batch.HomeTarget(), batch.OpAddMeterReading, batch.Payload{
		Reading: req.Reading,
		Date:    req.Date,
	}))
}

func (s *Server) handleListActions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"actions": s.deps.Invoker.Names()})
}

func (s *Server) handleInvokeAction(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.deps.Invoker.HasAction(name) {
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}

	args := map[string]any{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}

	key := r.Header.Get("Idempotency-Key")
	if err := s.deps.Invoker.Invoke(r.Context(), name, args, key, "api"); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "action": name})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	full := r.URL.Query().Get("full") == "true"

	result, err := s.deps.Poller.PollNow(r.Context(), full)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	resp := map[string]any{
		"calls":       result.Calls,
		"full":        result.Full,
		"duration_ms": result.Duration.Milliseconds(),
		"ok":          result.Err == nil,
	}
	if result.Err != nil {
		resp["error"] = result.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	outcomes := s.deps.Commands.Flush(r.Context())

	views := make([]map[string]any, 0, len(outcomes))
	for _, out := range outcomes {
		view := map[string]any{
			"intent_id": out.Intent.ID.String(),
			"target":    out.Intent.Target.String(),
			"op":        string(out.Intent.Op),
			"class":     out.Class.String(),
			"ok":        out.OK(),
		}
		if out.Err != nil {
			view["error"] = out.Err.Error()
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": views})
}

func (s *Server) handleHistoryCommands(w http.ResponseWriter, r *http.Request) {
	commands, err := s.deps.History.Commands(queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, commands)
}

func (s *Server) handleHistoryCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := s.deps.History.Cycles(queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cycles)
}

// submit queues one intent and answers 202. Validation failures are
// the client's fault; a closed collector means shutdown is underway.
func (s *Server) submit(w http.ResponseWriter, in batch.Intent) {
	if err := s.deps.Commands.Submit(in); err != nil {
		switch {
		case errors.Is(err, tado.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, batch.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "shutting down")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"intent_id": in.ID.String(),
		"target":    in.Target.String(),
		"op":        string(in.Op),
		"pending":   s.deps.Commands.Pending(),
	})
}

func zoneID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid zone id")
		return 0, false
	}
	return id, true
}

// decodeBody decodes a JSON request body. An empty body decodes into
// the zero request, which suits the toggle endpoints.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func queryLimit(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return limit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode API response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
