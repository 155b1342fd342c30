package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transcriberFunc func(ctx context.Context, audio []byte, filename string) (string, error)

func (f transcriberFunc) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	return f(ctx, audio, filename)
}

type scorerFunc func(ctx context.Context, question, answer, ideal string) (*Score, error)

func (f scorerFunc) Score(ctx context.Context, question, answer, ideal string) (*Score, error) {
	return f(ctx, question, answer, ideal)
}

func TestTranscribeAndScore(t *testing.T) {
	var gotAnswer, gotIdeal string
	e := NewEvaluator(
		transcriberFunc(func(_ context.Context, audio []byte, _ string) (string, error) {
			return " " + string(audio) + " ", nil
		}),
		scorerFunc(func(_ context.Context, _, answer, ideal string) (*Score, error) {
			gotAnswer, gotIdeal = answer, ideal
			return &Score{Overall: 87, Feedback: "boa"}, nil
		}),
		time.Second, nil, nil,
	)

	res := e.TranscribeAndScore(context.Background(), []byte("eu vendo bem"), "a.ogg", "q", "ideal")
	require.NoError(t, res.Err)
	assert.Equal(t, "eu vendo bem", res.Transcript)
	assert.InDelta(t, 87, res.Score, 0.001)
	assert.Equal(t, "boa", res.Feedback)
	assert.Equal(t, "eu vendo bem", gotAnswer)
	assert.Equal(t, "ideal", gotIdeal)
}

func TestTranscribeAndScoreDegrades(t *testing.T) {
	boom := errors.New("service unavailable")
	scoreCalled := false
	scorer := scorerFunc(func(context.Context, string, string, string) (*Score, error) {
		scoreCalled = true
		return nil, boom
	})

	tests := []struct {
		name        string
		transcriber Transcriber
		wantErr     error
		wantText    string
		wantScored  bool
	}{
		{
			name: "transcription error",
			transcriber: transcriberFunc(func(context.Context, []byte, string) (string, error) {
				return "", boom
			}),
			wantErr: boom,
		},
		{
			name: "empty transcript",
			transcriber: transcriberFunc(func(context.Context, []byte, string) (string, error) {
				return "   ", nil
			}),
			wantErr: ErrEmptyTranscript,
		},
		{
			name: "scoring error",
			transcriber: transcriberFunc(func(context.Context, []byte, string) (string, error) {
				return "texto", nil
			}),
			wantErr:    boom,
			wantText:   "texto",
			wantScored: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scoreCalled = false
			res := NewEvaluator(tt.transcriber, scorer, 0, nil, nil).
				TranscribeAndScore(context.Background(), []byte("x"), "a.ogg", "q", "i")

			assert.ErrorIs(t, res.Err, tt.wantErr)
			assert.Equal(t, tt.wantText, res.Transcript)
			assert.InDelta(t, ScoreUnavailable, res.Score, 0.001)
			assert.Equal(t, tt.wantScored, scoreCalled)
		})
	}
}

func TestTranscribeAndScoreHonoursTimeout(t *testing.T) {
	e := NewEvaluator(
		transcriberFunc(func(ctx context.Context, _ []byte, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}),
		nil, 10*time.Millisecond, nil, nil,
	)

	res := e.TranscribeAndScore(context.Background(), []byte("x"), "a.ogg", "q", "i")
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}
