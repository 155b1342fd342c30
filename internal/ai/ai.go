// Package ai holds the contracts of the external speech and scoring services
// and the combined transcribe-then-score step used for every answer.
package ai

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/wa-interviewer/internal/metrics"
)

// ScoreUnavailable is recorded when an answer could not be transcribed or scored.
const ScoreUnavailable = 0

var ErrEmptyTranscript = errors.New("empty transcript")

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Score is the evaluation of one answer against the ideal answer, 0-100.
type Score struct {
	Overall   float64
	Content   float64
	Coherence float64
	Tone      float64
	Feedback  string
	Raw       string
}

type Scorer interface {
	Score(ctx context.Context, question, answer, ideal string) (*Score, error)
}

// Speaker synthesizes text to a voice note.
type Speaker interface {
	Speak(ctx context.Context, text string) ([]byte, error)
}

// Result is what gets recorded for an answer. Err is informational: a failed
// result still carries a usable (empty) transcript and sentinel score.
type Result struct {
	Transcript string
	Score      float64
	Feedback   string
	Err        error
}

// Evaluator chains transcription and scoring under one time budget.
type Evaluator struct {
	transcriber Transcriber
	scorer      Scorer
	timeout     time.Duration
	logger      *zap.Logger
	metrics     metrics.Recorder
	now         func() time.Time
}

func NewEvaluator(t Transcriber, s Scorer, timeout time.Duration, logger *zap.Logger, rec metrics.Recorder) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Evaluator{
		transcriber: t,
		scorer:      s,
		timeout:     timeout,
		logger:      logger,
		metrics:     rec,
		now:         time.Now,
	}
}

// TranscribeAndScore never fails: any error degrades to an empty transcript
// and ScoreUnavailable, with the cause kept in Result.Err.
func (e *Evaluator) TranscribeAndScore(ctx context.Context, audio []byte, filename, question, ideal string) Result {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	if e.transcriber == nil {
		return Result{Score: ScoreUnavailable, Err: errors.New("transcriber is not configured")}
	}

	started := e.now()
	transcript, err := e.transcriber.Transcribe(ctx, audio, filename)
	e.metrics.ObserveAI("transcribe", err == nil, e.now().Sub(started))
	if err != nil {
		e.logger.Warn("transcription failed", zap.String("file", filename), zap.Error(err))
		return Result{Score: ScoreUnavailable, Err: err}
	}

	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return Result{Score: ScoreUnavailable, Err: ErrEmptyTranscript}
	}

	if e.scorer == nil {
		return Result{Transcript: transcript, Score: ScoreUnavailable}
	}

	started = e.now()
	score, err := e.scorer.Score(ctx, question, transcript, ideal)
	e.metrics.ObserveAI("score", err == nil, e.now().Sub(started))
	if err != nil {
		e.logger.Warn("scoring failed", zap.String("file", filename), zap.Error(err))
		return Result{Transcript: transcript, Score: ScoreUnavailable, Err: err}
	}

	return Result{Transcript: transcript, Score: score.Overall, Feedback: score.Feedback}
}
