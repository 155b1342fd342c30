// Package speech adapts the OpenAI audio endpoints to the ai contracts: Whisper
// transcription of candidate answers and text-to-speech for questions.
package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/spigell/wa-interviewer/internal/ai"
)

const (
	defaultLanguage = "pt"
	defaultVoice    = "nova"
)

type Options struct {
	APIKey   string
	BaseURL  string
	Language string
	Voice    string
	// MaxRetries is passed to the SDK; zero disables its retries.
	MaxRetries int
}

// Client implements ai.Transcriber and ai.Speaker.
type Client struct {
	client   openai.Client
	language string
	voice    string
	logger   *zap.Logger
}

var (
	_ ai.Transcriber = (*Client)(nil)
	_ ai.Speaker     = (*Client)(nil)
)

func New(opts Options, logger *zap.Logger) (*Client, error) {
	key := strings.TrimSpace(opts.APIKey)
	if key == "" {
		return nil, errors.New("openai api key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(opts.MaxRetries),
	}
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}

	language := strings.TrimSpace(opts.Language)
	if language == "" {
		language = defaultLanguage
	}
	voice := strings.TrimSpace(opts.Voice)
	if voice == "" {
		voice = defaultVoice
	}

	return &Client{
		client:   openai.NewClient(reqOpts...),
		language: language,
		voice:    voice,
		logger:   logger,
	}, nil
}

func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("audio is empty")
	}
	if filename == "" {
		filename = "answer.ogg"
	}

	res, err := c.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:     openai.File(bytes.NewReader(audio), filename, "audio/ogg"),
		Model:    openai.AudioModelWhisper1,
		Language: openai.String(c.language),
	})
	if err != nil {
		return "", fmt.Errorf("transcribe %s: %w", filename, err)
	}

	text := strings.TrimSpace(res.Text)
	c.logger.Debug("audio transcribed",
		zap.String("file", filename),
		zap.Int("audio_bytes", len(audio)),
		zap.Int("transcript_length", len(text)),
	)
	if text == "" {
		return "", ai.ErrEmptyTranscript
	}

	return text, nil
}

// Speak returns an opus voice note, which WhatsApp plays inline.
func (c *Client) Speak(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("speech text is empty")
	}

	resp, err := c.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModelTTS1,
		Voice:          openai.AudioSpeechNewParamsVoice(c.voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatOpus,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize speech: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read speech: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("speech response is empty")
	}

	return audio, nil
}
