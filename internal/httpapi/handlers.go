package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"soilwatch/internal/calibration"
	"soilwatch/internal/ingest"
	"soilwatch/internal/query"
	"soilwatch/internal/storage"
)

const maxBody = 1 << 16

var deviceIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,62}$`)

type ingestRequest struct {
	DeviceID string          `json:"deviceId"`
	Raw      json.RawMessage `json:"raw"`
	Token    string          `json:"token"`
}

// parseRaw accepts a JSON number or a numeric string.
func parseRaw(msg json.RawMessage) (float64, bool) {
	if len(msg) == 0 {
		return 0, false
	}
	var v any
	if err := json.Unmarshal(msg, &v); err != nil {
		return 0, false
	}
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	return f, !math.IsNaN(f) && !math.IsInf(f, 0)
}

// decodeBody reads a JSON body; an empty or unparsable body decodes as zero.
func decodeBody(r *http.Request, v any) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil || len(strings.TrimSpace(string(body))) == 0 {
		return
	}
	_ = json.Unmarshal(body, v)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	var req ingestRequest
	decodeBody(r, &req)

	if strings.TrimSpace(req.DeviceID) == "" {
		writeError(w, http.StatusBadRequest, "device_id_required")
		return
	}
	if !s.authorized(r, req.Token) {
		writeError(w, http.StatusUnauthorized, "unauthorized_token")
		return
	}
	raw, ok := parseRaw(req.Raw)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "raw_numeric_required")
		return
	}

	res, err := s.ingest.Ingest(r.Context(), req.DeviceID, raw, s.opts.Now())
	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrInvalidInput):
		writeError(w, http.StatusUnprocessableEntity, "invalid_input")
		return
	case errors.Is(err, storage.ErrUnavailable):
		logger.Error().Err(err).Str("device", req.DeviceID).Msg("ingest failed")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable")
		return
	default:
		logger.Error().Err(err).Str("device", req.DeviceID).Msg("ingest failed")
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accepted": true,
		"reading":  res.Reading,
		"rollup":   res.Rollup,
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	deviceID := strings.TrimSpace(r.URL.Query().Get("deviceId"))
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id_required")
		return
	}
	rangeName := r.URL.Query().Get("range")
	if rangeName == "" {
		rangeName = "latest"
	}

	resp, err := s.query.Query(r.Context(), deviceID, rangeName)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, query.ErrUnknownRange):
		writeError(w, http.StatusBadRequest, "unknown_range")
	case errors.Is(err, query.ErrNoData):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, storage.ErrUnavailable):
		logger.Error().Err(err).Str("device", deviceID).Msg("query failed")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable")
	default:
		logger.Error().Err(err).Str("device", deviceID).Msg("query failed")
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}

type calibrateRequest struct {
	DeviceID string   `json:"deviceId"`
	RawDry   *float64 `json:"rawDry"`
	RawWet   *float64 `json:"rawWet"`
	Reset    bool     `json:"reset"`
}

func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	var req calibrateRequest
	decodeBody(r, &req)

	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id_required")
		return
	}

	ctx := r.Context()
	current, err := s.store.Calibration(ctx, deviceID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	next := current.Apply(calibration.Update{RawDry: req.RawDry, RawWet: req.RawWet, Reset: req.Reset}, s.opts.Now().UTC())
	if err := s.store.SetCalibration(ctx, deviceID, next); err != nil {
		s.storeError(w, r, err)
		return
	}

	if next == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "reset": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "config": next})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"deviceId"`
	}
	decodeBody(r, &req)

	deviceID := strings.ToLower(strings.TrimSpace(req.DeviceID))
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id_required")
		return
	}
	if !deviceIDPattern.MatchString(deviceID) {
		writeError(w, http.StatusBadRequest, "device_id_invalid")
		return
	}

	added, err := s.store.RegisterDevice(r.Context(), deviceID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "existed": !added, "deviceId": deviceID})
}

type deviceEntry struct {
	ID         string `json:"id"`
	Calibrated bool   `json:"calibrated"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ids, err := s.store.Devices(ctx)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	devices := make([]deviceEntry, 0, len(ids))
	for _, id := range ids {
		cfg, err := s.store.Calibration(ctx, id)
		if err != nil {
			s.storeError(w, r, err)
			return
		}
		devices = append(devices, deviceEntry{ID: id, Calibrated: cfg.Calibrated()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("store request failed")
	if errors.Is(err, storage.ErrUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, "server_error")
}
