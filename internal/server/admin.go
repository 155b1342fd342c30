package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/wa-interviewer/internal/cadence"
	"github.com/spigell/wa-interviewer/internal/logger"
	"github.com/spigell/wa-interviewer/internal/phone"
)

type cadenceRequest struct {
	Phones       []string `json:"phones"`
	TriggerPhone string   `json:"trigger_phone"`
}

// configRequest uses Go duration strings; omitted fields keep their value.
type configRequest struct {
	BaseDelay  *string `json:"base_delay"`
	BatchSize  *int    `json:"batch_size"`
	MaxRetries *int    `json:"max_retries"`
	JobTTL     *string `json:"job_ttl"`
}

type configResponse struct {
	BaseDelay  string `json:"base_delay"`
	BatchSize  int    `json:"batch_size"`
	MaxRetries int    `json:"max_retries"`
	JobTTL     string `json:"job_ttl"`
}

func toConfigResponse(cfg cadence.Config) configResponse {
	return configResponse{
		BaseDelay:  cfg.BaseDelay.String(),
		BatchSize:  cfg.BatchSize,
		MaxRetries: cfg.MaxRetries,
		JobTTL:     cfg.JobTTL.String(),
	}
}

func (s *Server) handleCadenceStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cadence.GetStats(r.PathValue("tenant")))
}

func (s *Server) handleCadenceStart(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")

	var req cadenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	trigger := strings.TrimSpace(req.TriggerPhone)
	switch {
	case trigger != "" && len(req.Phones) > 0:
		writeError(w, http.StatusBadRequest, "use either phones or trigger_phone")
		return
	case trigger != "":
		normalized, err := phone.Normalize(trigger, s.countryCode(tenantID))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.cadence.ActivateImmediateCadence(r.Context(), normalized, tenantID); err != nil {
			s.cadenceError(w, tenantID, err)
			return
		}
	case len(req.Phones) > 0:
		phones, invalid := phone.NormalizeAll(req.Phones, s.countryCode(tenantID))
		if len(invalid) > 0 {
			logger.WithTenant(s.logger, tenantID).Warn("invalid phones skipped", zap.Strings("phones", invalid))
		}
		if len(phones) == 0 {
			writeError(w, http.StatusBadRequest, "no valid phones")
			return
		}
		if err := s.cadence.DistributeCandidates(r.Context(), tenantID, phones); err != nil {
			s.cadenceError(w, tenantID, err)
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "phones or trigger_phone required")
		return
	}

	writeJSON(w, http.StatusAccepted, s.cadence.GetStats(tenantID))
}

func (s *Server) handleCadenceStop(w http.ResponseWriter, r *http.Request) {
	stopped := s.cadence.StopCadence(r.PathValue("tenant"))
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *Server) handleCadenceConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toConfigResponse(s.cadence.Config(r.PathValue("tenant"), false)))
}

func (s *Server) handleCadenceConfigPut(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")

	var req configRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg := s.cadence.Config(tenantID, false)
	if req.BaseDelay != nil {
		d, err := time.ParseDuration(*req.BaseDelay)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid base_delay")
			return
		}
		cfg.BaseDelay = d
	}
	if req.JobTTL != nil {
		d, err := time.ParseDuration(*req.JobTTL)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid job_ttl")
			return
		}
		cfg.JobTTL = d
	}
	if req.BatchSize != nil {
		cfg.BatchSize = *req.BatchSize
	}
	if req.MaxRetries != nil {
		cfg.MaxRetries = *req.MaxRetries
	}

	if err := s.cadence.ConfigureCadence(tenantID, cfg); err != nil {
		s.cadenceError(w, tenantID, err)
		return
	}

	writeJSON(w, http.StatusOK, toConfigResponse(cfg))
}

func (s *Server) cadenceError(w http.ResponseWriter, tenantID string, err error) {
	if errors.Is(err, cadence.ErrInvalidConfig) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errors.Is(err, cadence.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	logger.WithTenant(s.logger, tenantID).Error("cadence request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "cadence request failed")
}
