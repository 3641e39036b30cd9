package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"farmlink/internal/engine"
	"farmlink/internal/stats"
	"farmlink/internal/store"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
)

type Server struct {
	repo            *store.Repo
	engine          *engine.Engine
	cache           *store.ReadingCache
	defaultDeviceID string
	corsOrigins     []string
}

func New(repo *store.Repo, eng *engine.Engine, cache *store.ReadingCache, defaultDeviceID string, corsOrigins []string) *Server {
	if strings.TrimSpace(defaultDeviceID) == "" {
		defaultDeviceID = "farmlink-001"
	}
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	return &Server{repo: repo, engine: eng, cache: cache, defaultDeviceID: defaultDeviceID, corsOrigins: corsOrigins}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "ts": time.Now().UTC().Format(time.RFC3339)})
	})

	r.Get("/api/realtime", s.handleRealtimeWS)

	r.Route("/api", func(r chi.Router) {
		r.Post("/sensor-data", s.handleIngestReading)
		r.Get("/sensor-data", s.handleListReadings)
		r.Get("/sensor-data/stats", s.handleStats)

		r.Get("/devices", s.handleListDevices)
		r.Put("/devices/{deviceID}/status", s.handleUpdateDeviceStatus)
		r.Get("/device-status/{deviceID}", s.handleDeviceStatus)

		r.Post("/control/{deviceID}", s.handleManualControl)
		r.Get("/control-logs", s.handleListControlLogs)

		r.Get("/threshold-configs/{deviceID}", s.handleListConfigs)
		r.Post("/threshold-configs/{deviceID}", s.handleCreateConfig)
		r.Get("/threshold-configs/{deviceID}/active", s.handleActiveConfig)
		r.Put("/threshold-configs/{id}", s.handleUpdateConfig)
		r.Delete("/threshold-configs/{id}", s.handleDeleteConfig)

		r.Get("/thresholds/{deviceID}", s.handleListThresholds)
		r.Put("/thresholds/{deviceID}", s.handleReplaceThresholds)

		r.Get("/default-settings/{deviceID}", s.handleDefaultSettings)
		r.Post("/reset-to-defaults/{deviceID}", s.handleResetToDefaults)
	})

	return r
}

func (s *Server) deviceParam(r *http.Request) string {
	id := strings.TrimSpace(chi.URLParam(r, "deviceID"))
	if id == "" {
		return s.defaultDeviceID
	}
	return id
}

type readingPayload struct {
	DeviceID       string   `json:"device_id"`
	SoilMoisture   *float64 `json:"soil_moisture"`
	LightIntensity *float64 `json:"light_intensity"`
	Temperature    *float64 `json:"temperature"`
	Humidity       *float64 `json:"humidity"`
	Timestamp      *string  `json:"timestamp"`
}

func (s *Server) handleIngestReading(w http.ResponseWriter, r *http.Request) {
	var p readingPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if p.SoilMoisture == nil || p.LightIntensity == nil || p.Temperature == nil || p.Humidity == nil {
		writeError(w, http.StatusBadRequest, "soil_moisture, light_intensity, temperature and humidity are required")
		return
	}
	deviceID := strings.TrimSpace(p.DeviceID)
	if deviceID == "" {
		deviceID = s.defaultDeviceID
	}
	ts := time.Now().UTC()
	if p.Timestamp != nil {
		parsed, err := time.Parse(time.RFC3339, *p.Timestamp)
		if err != nil {
			writeError(w, http.StatusBadRequest, "timestamp must be RFC3339")
			return
		}
		ts = parsed.UTC()
	}

	reading := store.SensorReading{
		DeviceID:       deviceID,
		SoilMoisture:   *p.SoilMoisture,
		LightIntensity: *p.LightIntensity,
		Temperature:    *p.Temperature,
		Humidity:       *p.Humidity,
		Timestamp:      ts,
	}
	if err := s.repo.InsertReading(r.Context(), &reading); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store sensor data")
		return
	}
	s.cache.SetLatest(r.Context(), &reading)

	// Evaluation runs in-request so callers observe the triggered actions.
	// A control failure never fails ingestion; the reading is durable.
	var entries []store.ControlLog
	if s.engine != nil {
		var err error
		entries, err = s.engine.HandleReading(r.Context(), &reading)
		if err != nil {
			slog.Error("control evaluation failed", "device_id", deviceID, "reading_id", reading.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"data":    reading,
		"control": entries,
	})
}

func (s *Server) handleListReadings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID := strings.TrimSpace(q.Get("device_id"))
	if deviceID == "" {
		deviceID = s.defaultDeviceID
	}
	limit := parseLimit(q.Get("limit"), 100, 1000)
	from, to, err := queryTimeRange(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := s.repo.ListReadings(r.Context(), deviceID, from, to, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sensor data")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": rows, "count": len(rows)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID := strings.TrimSpace(q.Get("device_id"))
	if deviceID == "" {
		deviceID = s.defaultDeviceID
	}
	// Aggregation covers the whole filtered range; an explicit limit caps it.
	limit := parseLimit(q.Get("limit"), 0, 100000)
	from, to, err := queryTimeRange(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := s.repo.ListReadings(r.Context(), deviceID, from, to, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	agg := stats.Compute(rows)
	if agg == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": nil, "message": "no sensor data in range"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": agg})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": rows, "count": len(rows)})
}

func (s *Server) handleUpdateDeviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := s.deviceParam(r)

	var p struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	err := s.repo.UpdateDeviceStatus(r.Context(), deviceID, strings.TrimSpace(p.Status))
	switch {
	case errors.Is(err, store.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "device not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to update device status")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "device status updated"})
	}
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := s.deviceParam(r)
	ctx := r.Context()

	device, err := s.repo.GetDevice(ctx, deviceID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "failed to load device")
		return
	}

	latest := s.cache.Latest(ctx, deviceID)
	if latest == nil {
		latest, err = s.repo.LatestReading(ctx, deviceID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load latest reading")
			return
		}
	}

	logs, err := s.repo.ListControlLogs(ctx, deviceID, 10)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load control logs")
		return
	}
	thresholds, err := s.repo.ListSensorThresholds(ctx, deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load thresholds")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"device":         device,
			"latest_reading": latest,
			"recent_logs":    logs,
			"thresholds":     thresholds,
		},
	})
}

type controlPayload struct {
	Action      string `json:"action"`
	Duration    int    `json:"duration"` // milliseconds
	TriggeredBy string `json:"triggered_by"`
}

func (s *Server) handleManualControl(w http.ResponseWriter, r *http.Request) {
	deviceID := s.deviceParam(r)

	var p controlPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	entry, err := s.engine.ManualControl(r.Context(), deviceID, strings.TrimSpace(p.Action), p.Duration, p.TriggeredBy)
	switch {
	case errors.Is(err, store.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrExecutor):
		// The command is audited even though the hardware never answered.
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"success": false,
			"data":    entry,
			"error":   err.Error(),
			"message": "command logged but device did not respond",
		})
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to execute control command")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": entry})
	}
}

func (s *Server) handleListControlLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID := strings.TrimSpace(q.Get("device_id"))
	if deviceID == "" {
		deviceID = s.defaultDeviceID
	}
	limit := parseLimit(q.Get("limit"), 50, 500)

	rows, err := s.repo.ListControlLogs(r.Context(), deviceID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list control logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": rows, "count": len(rows)})
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListConfigs(r.Context(), s.deviceParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list threshold configs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": rows, "count": len(rows)})
}

type configPayload struct {
	ConfigName              *string  `json:"config_name"`
	TemperatureThreshold    *float64 `json:"temperature_threshold"`
	HumidityThreshold       *float64 `json:"humidity_threshold"`
	SoilMoistureThreshold   *float64 `json:"soil_moisture_threshold"`
	LightIntensityThreshold *float64 `json:"light_intensity_threshold"`
	LightOperator           *string  `json:"light_operator"`
	IsActive                *bool    `json:"is_active"`
	CreatedBy               *string  `json:"created_by"`
}

func (s *Server) handleCreateConfig(w http.ResponseWriter, r *http.Request) {
	var p configPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	cfg := store.ThresholdConfig{
		DeviceID:                s.deviceParam(r),
		TemperatureThreshold:    p.TemperatureThreshold,
		HumidityThreshold:       p.HumidityThreshold,
		SoilMoistureThreshold:   p.SoilMoistureThreshold,
		LightIntensityThreshold: p.LightIntensityThreshold,
	}
	if p.ConfigName != nil {
		cfg.ConfigName = strings.TrimSpace(*p.ConfigName)
	}
	if p.LightOperator != nil {
		cfg.LightOperator = *p.LightOperator
	}
	if p.IsActive != nil {
		cfg.IsActive = *p.IsActive
	}
	if p.CreatedBy != nil {
		cfg.CreatedBy = strings.TrimSpace(*p.CreatedBy)
	}

	if err := s.repo.CreateConfig(r.Context(), &cfg); err != nil {
		if errors.Is(err, store.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create threshold config")
		return
	}
	if cfg.IsActive {
		s.engine.PushThresholds(r.Context(), cfg.DeviceID)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "data": cfg})
}

func (s *Server) handleActiveConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.repo.GetActiveConfig(r.Context(), s.deviceParam(r))
	if err != nil && !errors.Is(err, store.ErrMultipleActive) {
		writeError(w, http.StatusInternalServerError, "failed to load active config")
		return
	}
	if cfg == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": nil, "message": "no active config"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": cfg})
}

// handleUpdateConfig merges the payload into the stored config. Fields are
// decoded through a raw map so an absent field is distinguishable from an
// explicit null, which clears a threshold slot.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid config id")
		return
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	cfg, err := s.repo.GetConfig(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "threshold config not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load threshold config")
		return
	}

	if v, ok := raw["config_name"]; ok {
		var name string
		if err := json.Unmarshal(v, &name); err != nil || strings.TrimSpace(name) == "" {
			writeError(w, http.StatusBadRequest, "config_name must be a non-empty string")
			return
		}
		cfg.ConfigName = strings.TrimSpace(name)
	}
	for key, dst := range map[string]**float64{
		"temperature_threshold":     &cfg.TemperatureThreshold,
		"humidity_threshold":        &cfg.HumidityThreshold,
		"soil_moisture_threshold":   &cfg.SoilMoistureThreshold,
		"light_intensity_threshold": &cfg.LightIntensityThreshold,
	} {
		v, ok := raw[key]
		if !ok {
			continue
		}
		var f *float64
		if err := json.Unmarshal(v, &f); err != nil {
			writeError(w, http.StatusBadRequest, key+" must be a number or null")
			return
		}
		*dst = f
	}
	if v, ok := raw["light_operator"]; ok {
		var op string
		if err := json.Unmarshal(v, &op); err != nil {
			writeError(w, http.StatusBadRequest, "light_operator must be a string")
			return
		}
		cfg.LightOperator = op
	}
	if v, ok := raw["is_active"]; ok {
		var active bool
		if err := json.Unmarshal(v, &active); err != nil {
			writeError(w, http.StatusBadRequest, "is_active must be a boolean")
			return
		}
		cfg.IsActive = active
	}

	if err := s.repo.UpdateConfig(r.Context(), cfg); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "threshold config not found")
		case errors.Is(err, store.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to update threshold config")
		}
		return
	}
	if cfg.IsActive {
		s.engine.PushThresholds(r.Context(), cfg.DeviceID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": cfg})
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid config id")
		return
	}
	if err := s.repo.DeleteConfig(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete threshold config")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "threshold config deleted"})
}

func (s *Server) handleListThresholds(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListSensorThresholds(r.Context(), s.deviceParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list thresholds")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": rows, "count": len(rows)})
}

type thresholdPayload struct {
	SensorType     string  `json:"sensor_type"`
	ThresholdValue float64 `json:"threshold_value"`
	ControlAction  string  `json:"control_action"`
	Operator       string  `json:"operator"`
	IsEnabled      *bool   `json:"is_enabled"`
}

func (s *Server) handleReplaceThresholds(w http.ResponseWriter, r *http.Request) {
	deviceID := s.deviceParam(r)

	var payload struct {
		Thresholds []thresholdPayload `json:"thresholds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	rows := make([]store.SensorThreshold, 0, len(payload.Thresholds))
	for _, t := range payload.Thresholds {
		enabled := true
		if t.IsEnabled != nil {
			enabled = *t.IsEnabled
		}
		rows = append(rows, store.SensorThreshold{
			DeviceID:       deviceID,
			SensorType:     strings.TrimSpace(t.SensorType),
			ThresholdValue: t.ThresholdValue,
			ControlAction:  strings.TrimSpace(t.ControlAction),
			Operator:       strings.TrimSpace(t.Operator),
			IsEnabled:      enabled,
		})
	}

	saved, err := s.repo.ReplaceSensorThresholds(r.Context(), deviceID, rows)
	if err != nil {
		if errors.Is(err, store.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to replace thresholds")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": saved, "count": len(saved)})
}

func (s *Server) handleDefaultSettings(w http.ResponseWriter, r *http.Request) {
	settingType := strings.TrimSpace(r.URL.Query().Get("type"))
	rows, err := s.repo.ListDefaultSettings(r.Context(), s.deviceParam(r), settingType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list default settings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": rows, "count": len(rows)})
}

func (s *Server) handleResetToDefaults(w http.ResponseWriter, r *http.Request) {
	deviceID := s.deviceParam(r)

	var payload struct {
		SettingType string `json:"setting_type"`
	}
	if r.Body != nil {
		// Body is optional; an empty or absent one resets everything.
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}

	restored, err := s.repo.RestoreDefaults(r.Context(), deviceID, strings.TrimSpace(payload.SettingType))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no default settings for device")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to reset settings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "settings restored to defaults",
		"count":   restored,
	})
}

func (s *Server) handleRealtimeWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := s.engine.Events().Subscribe()
	defer cancel()

	// Read pump just to detect disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.SetReadDeadline(time.Time{})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Periodic ping to keep intermediaries alive.
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(2*time.Second)); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				slog.Debug("ws write failed", "error", err)
				return
			}
		}
	}
}

func parseLimit(s string, fallback, max int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fallback
	}
	if n > max {
		return max
	}
	return n
}

// queryTimeRange reads the start_date/end_date filter the dashboard sends;
// from/to are accepted as aliases.
func queryTimeRange(q url.Values) (from, to time.Time, err error) {
	fromS := strings.TrimSpace(q.Get("start_date"))
	if fromS == "" {
		fromS = strings.TrimSpace(q.Get("from"))
	}
	toS := strings.TrimSpace(q.Get("end_date"))
	if toS == "" {
		toS = strings.TrimSpace(q.Get("to"))
	}
	if fromS != "" {
		from, err = time.Parse(time.RFC3339, fromS)
		if err != nil {
			return from, to, errors.New("start_date must be RFC3339")
		}
	}
	if toS != "" {
		to, err = time.Parse(time.RFC3339, toS)
		if err != nil {
			return from, to, errors.New("end_date must be RFC3339")
		}
	}
	return from, to, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
