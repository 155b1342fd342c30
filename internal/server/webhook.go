package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/spigell/wa-interviewer/internal/logger"
	"github.com/spigell/wa-interviewer/internal/transport"
	"github.com/spigell/wa-interviewer/internal/transport/evolution"
)

type webhookHead struct {
	Instance string `json:"instance"`
}

// handleWebhook acknowledges quickly; the interview runs on its own goroutine
// since transcription and scoring outlast Evolution's delivery timeout.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	var head webhookHead
	if err := json.Unmarshal(body, &head); err != nil {
		s.metrics.InboundMessage("unknown", "malformed")
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	slot, ok := s.slots.Lookup(head.Instance)
	if !ok {
		s.logger.Warn("webhook from unknown instance", zap.String("instance", head.Instance))
		s.metrics.InboundMessage("unknown", "unknown_instance")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	event, err := evolution.Decode(body, s.countryCode(slot.TenantID()))
	switch {
	case errors.Is(err, evolution.ErrIgnored):
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	case err != nil:
		logger.WithTenant(s.logger, slot.TenantID()).Warn("webhook not decoded",
			zap.String("instance", head.Instance),
			zap.Error(err),
		)
		s.metrics.InboundMessage("unknown", "malformed")
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	msg := event.Message
	msg.TenantID = slot.TenantID()
	msg.SlotIndex = slot.Index()

	s.dispatch(msg)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "id": msg.ID})
}

func (s *Server) dispatch(msg transport.Message) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.handleTimeout)
		defer cancel()

		if err := s.inbound.HandleInboundMessage(ctx, msg); err != nil {
			logger.WithConversation(s.logger, msg.TenantID, msg.From).Error("inbound message failed",
				zap.String(logger.FieldMessageID, msg.ID),
				zap.Error(err),
			)
		}
	}()
}
