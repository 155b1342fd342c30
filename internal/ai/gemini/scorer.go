package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	_ "embed"

	"go.uber.org/zap"

	"github.com/spigell/wa-interviewer/internal/ai"
	"github.com/spigell/wa-interviewer/internal/utils"
)

type contentGenerator interface {
	GenerateContent(ctx context.Context, system, message string) (string, error)
}

// Scorer grades transcribed answers against the ideal answer.
type Scorer struct {
	generator contentGenerator
	logger    *zap.Logger
	maxLogLen int
}

var _ ai.Scorer = (*Scorer)(nil)

//go:embed prompt.md
var systemPrompt string

const defaultMaxLogLength = 200

func NewScorer(generator contentGenerator, logger *zap.Logger, maxLogLength int) *Scorer {
	if maxLogLength <= 0 {
		maxLogLength = defaultMaxLogLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scorer{
		generator: generator,
		logger:    logger,
		maxLogLen: maxLogLength,
	}
}

func (s *Scorer) Score(ctx context.Context, question, answer, ideal string) (*ai.Score, error) {
	if strings.TrimSpace(answer) == "" {
		return nil, ai.ErrEmptyTranscript
	}

	message := buildMessage(question, ideal, answer)

	s.logger.Debug("gemini score request",
		zap.Int("message_length", utf8.RuneCountInString(message)),
		zap.String("message_preview", utils.TruncateForLog(message, s.maxLogLen)),
	)

	raw, err := s.generator.GenerateContent(ctx, systemPrompt, message)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("gemini score response",
		zap.Int("response_length", utf8.RuneCountInString(raw)),
		zap.String("response_preview", utils.TruncateForLog(raw, s.maxLogLen)),
	)

	score, err := parseResponse(raw)
	if err != nil {
		return nil, err
	}
	score.Raw = raw

	return score, nil
}

func buildMessage(question, ideal, answer string) string {
	var b strings.Builder
	b.WriteString("### Pergunta\n")
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\n\n### Resposta perfeita\n")
	b.WriteString(strings.TrimSpace(ideal))
	b.WriteString("\n\n### Resposta do candidato\n")
	b.WriteString(strings.TrimSpace(answer))
	return b.String()
}

func parseResponse(raw string) (*ai.Score, error) {
	cleaned := extractJSON(raw)

	var data map[string]any
	if err := json.Unmarshal([]byte(cleaned), &data); err != nil {
		return nil, fmt.Errorf("parse gemini response: %w", err)
	}

	overall := coerceFloat(data["PONTUACAO_GERAL"])
	if math.IsNaN(overall) {
		return nil, errors.New("gemini response has no overall score")
	}

	return &ai.Score{
		Overall:   clamp(overall, 0, 100),
		Content:   clamp(coerceFloat(data["CONTEUDO"]), 0, 70),
		Coherence: clamp(coerceFloat(data["COERENCIA"]), 0, 25),
		Tone:      clamp(coerceFloat(data["TOM"]), 0, 5),
		Feedback:  coerceString(data["FEEDBACK"]),
	}, nil
}

func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	raw = strings.Trim(raw, "`")
	return strings.TrimSpace(raw)
}

// clamp bounds v and maps NaN to lo.
func clamp(v, lo, hi float64) float64 {
	switch {
	case math.IsNaN(v), v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return math.Round(v)
	}
}

func coerceFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case string:
		trimmed := strings.TrimSpace(val)
		if trimmed == "" {
			return math.NaN()
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

func coerceString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case fmt.Stringer:
		return strings.TrimSpace(val.String())
	default:
		if v == nil {
			return ""
		}
		bytes, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(bytes)
	}
}
