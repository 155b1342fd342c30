package logger

import (
	"strings"

	"go.uber.org/zap"
)

const (
	// FieldTenant is the structured log field key for the owning client.
	FieldTenant = "tenant_id"
	// FieldPhone is the structured log field key for a normalized candidate phone.
	FieldPhone = "phone"
	// FieldSlot is the structured log field key for a tenant slot index.
	FieldSlot = "slot"
	// FieldMessageID is the structured log field key for a transport message id.
	FieldMessageID = "message_id"
	// FieldInterview is the structured log field key for a durable interview record id.
	FieldInterview = "interview_id"
)

// StringField describes a string-valued structured logging field.
type StringField struct {
	Key   string
	Value string
}

// StringFields converts the provided key/value pairs into zap fields, trimming
// whitespace and omitting entries with empty keys or values.
func StringFields(fields ...StringField) []zap.Field {
	result := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		key := strings.TrimSpace(field.Key)
		if key == "" {
			continue
		}

		value := strings.TrimSpace(field.Value)
		if value == "" {
			continue
		}

		result = append(result, zap.String(key, value))
	}

	return result
}

// WithFields safely attaches the provided fields to the logger.
// If the logger is nil or no fields are supplied, the input logger is returned
// unchanged, defaulting to a no-op logger when nil.
func WithFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}

	if len(fields) == 0 {
		return logger
	}

	return logger.With(fields...)
}

// ConversationFields returns the fields that identify one candidate conversation.
// Empty values are ignored to keep log entries compact when information is missing.
func ConversationFields(tenantID, phone string) []zap.Field {
	return StringFields(
		StringField{Key: FieldTenant, Value: tenantID},
		StringField{Key: FieldPhone, Value: phone},
	)
}

// WithConversation attaches the conversation fields to the provided logger.
// If the logger is nil, a no-op logger is created to avoid panics.
func WithConversation(logger *zap.Logger, tenantID, phone string) *zap.Logger {
	return WithFields(logger, ConversationFields(tenantID, phone)...)
}

// WithTenant attaches only the tenant field.
func WithTenant(logger *zap.Logger, tenantID string) *zap.Logger {
	return WithFields(logger, StringFields(StringField{Key: FieldTenant, Value: tenantID})...)
}
