package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/wa-interviewer/internal/ai"
	"github.com/spigell/wa-interviewer/internal/ai/gemini"
	"github.com/spigell/wa-interviewer/internal/ai/speech"
	"github.com/spigell/wa-interviewer/internal/cadence"
	"github.com/spigell/wa-interviewer/internal/cohort"
	"github.com/spigell/wa-interviewer/internal/filtering"
	"github.com/spigell/wa-interviewer/internal/interview"
	"github.com/spigell/wa-interviewer/internal/metrics"
	"github.com/spigell/wa-interviewer/internal/secrets"
	"github.com/spigell/wa-interviewer/internal/server"
	"github.com/spigell/wa-interviewer/internal/store"
	"github.com/spigell/wa-interviewer/internal/transport"
	"github.com/spigell/wa-interviewer/internal/transport/evolution"
)

// application holds every long-lived component of the serve command.
type application struct {
	store       *store.Store
	registry    *transport.Registry
	distributor *cadence.Distributor
	sessions    *interview.SessionStore
	service     *interview.Service
	server      *server.Server
	metrics     *metrics.Prometheus
}

func (a *application) Close() {
	if a.distributor != nil {
		a.distributor.Close()
	}
	if a.sessions != nil {
		_ = a.sessions.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

func buildApplication(ctx context.Context, config *Config, logger *zap.Logger) (app *application, err error) {
	app = &application{metrics: metrics.NewPrometheus()}
	defer func() {
		if err != nil {
			app.Close()
			app = nil
		}
	}()

	app.store, err = openStore(ctx, config, logger)
	if err != nil {
		return nil, err
	}

	app.registry, err = buildRegistry(config, logger)
	if err != nil {
		return nil, err
	}

	resolver := cohort.NewResolver(app.store, logger.Named("cohort"), app.metrics)

	cadenceOpts := cadence.Options{
		Slots:    app.registry,
		Resolver: resolver,
		OptOuts:  app.store,
		Filters: filtering.Config{
			CountryCode: config.CountryCode,
			Blocklist:   config.Blocklist,
		},
		Logger:  logger.Named("cadence"),
		Metrics: app.metrics,
	}
	if c := config.Cadence; c != nil {
		cadenceOpts.Invitation = c.Invitation
		cadenceOpts.SlotPoll = c.SlotPoll
		cadenceOpts.ReinviteAfter = c.Reinvite
		cadenceOpts.Defaults = c.Default
		cadenceOpts.Immediate = c.Immediate
	}
	app.distributor = cadence.New(cadenceOpts)

	for _, tenant := range config.Tenants {
		if tenant.Cadence == nil {
			continue
		}
		if err := app.distributor.ConfigureCadence(tenant.ID, *tenant.Cadence); err != nil {
			return nil, fmt.Errorf("tenant %s cadence: %w", tenant.ID, err)
		}
	}

	evaluator, speaker, tenantSpeakers, err := buildAI(ctx, config, logger, app.metrics)
	if err != nil {
		return nil, err
	}

	interviewCfg := config.Interview
	if interviewCfg == nil {
		interviewCfg = &InterviewConfig{}
	}

	app.sessions = interview.NewSessionStore(interviewCfg.DedupWindow)
	if err := app.sessions.Open(); err != nil {
		return nil, err
	}

	app.service, err = interview.NewService(interview.Options{
		Sessions:       app.sessions,
		Records:        app.store,
		Selections:     resolver,
		Messenger:      app.registry,
		Evaluator:      evaluator,
		Cadence:        app.distributor,
		Speaker:        speaker,
		TenantSpeakers: tenantSpeakers,
		Logger:         logger.Named("interview"),
		Metrics:        app.metrics,
		Templates:      interviewCfg.Templates,
		OptIn:          interviewCfg.OptIn,
		Decline:        interviewCfg.Decline,
		StopWords:      interviewCfg.StopWords,
		StaleAfter:     interviewCfg.StaleAfter,
		AudioDir:       config.AudioDir,
	})
	if err != nil {
		return nil, fmt.Errorf("interview service: %w", err)
	}

	countryCodes := make(map[string]string)
	for _, tenant := range config.Tenants {
		if tenant.CountryCode != "" {
			countryCodes[tenant.ID] = tenant.CountryCode
		}
	}

	app.server, err = server.New(server.Options{
		Inbound:            app.service,
		Slots:              app.registry,
		Cadence:            app.distributor,
		MetricsHandler:     app.metrics.Handler(),
		Metrics:            app.metrics,
		Logger:             logger.Named("http"),
		CountryCodes:       countryCodes,
		DefaultCountryCode: config.CountryCode,
		HandleTimeout:      config.HandleTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("http server: %w", err)
	}

	return app, nil
}

func openStore(ctx context.Context, config *Config, logger *zap.Logger) (*store.Store, error) {
	db, err := store.Open(ctx, config.Database, logger.Named("store"))
	if err != nil {
		return nil, err
	}

	if config.Fixture == "" {
		return db, nil
	}

	fixture, err := store.LoadFixture(config.Fixture)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Seed(ctx, fixture); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("seed %s: %w", config.Fixture, err)
	}
	logger.Info("fixture loaded", zap.String("file", config.Fixture), zap.Int("tenants", len(fixture.Tenants)))

	return db, nil
}

func buildRegistry(config *Config, logger *zap.Logger) (*transport.Registry, error) {
	registry := transport.NewRegistry(logger.Named("slots"))
	if len(config.Tenants) == 0 {
		logger.Warn("no tenants configured, nothing will be sent")
		return registry, nil
	}

	evo := config.Evolution
	if evo == nil || strings.TrimSpace(evo.URL) == "" {
		return nil, errors.New("evolution.url is required when tenants have slots")
	}

	apiKey, err := secrets.Load(secrets.Source{
		Name:  "evolution api key",
		File:  evo.APIKeyFile,
		Value: evo.APIKey,
		Env:   "EVOLUTION_API_KEY",
	})
	if err != nil {
		return nil, err
	}

	for _, tenant := range config.Tenants {
		for _, slot := range tenant.Slots {
			client, err := evolution.New(evolution.Config{
				URL:      evo.URL,
				APIKey:   apiKey,
				Instance: slot.Instance,
				TenantID: tenant.ID,
				Index:    slot.Index,
				Timeout:  evo.Timeout,
			}, logger.Named("evolution"))
			if err != nil {
				return nil, err
			}
			if err := registry.Register(client); err != nil {
				return nil, err
			}
		}
	}

	return registry, nil
}

// buildAI wires the optional providers. Without keys the evaluator degrades
// every answer to an empty transcript and the sentinel score.
func buildAI(ctx context.Context, config *Config, logger *zap.Logger, rec metrics.Recorder) (*ai.Evaluator, ai.Speaker, map[string]ai.Speaker, error) {
	cfg := config.AI
	if cfg == nil {
		cfg = &AIConfig{}
	}

	var (
		transcriber    ai.Transcriber
		scorer         ai.Scorer
		speaker        ai.Speaker
		tenantSpeakers map[string]ai.Speaker
	)

	if oa := cfg.OpenAI; oa != nil {
		key, err := secrets.Optional(secrets.Source{
			Name:  "openai api key",
			File:  oa.APIKeyFile,
			Value: oa.APIKey,
			Env:   "OPENAI_API_KEY",
		})
		if err != nil {
			return nil, nil, nil, err
		}

		if key != "" {
			opts := speech.Options{
				APIKey:     key,
				BaseURL:    oa.BaseURL,
				Language:   oa.Language,
				Voice:      oa.Voice,
				MaxRetries: oa.MaxRetries,
			}
			client, err := speech.New(opts, logger.Named("openai"))
			if err != nil {
				return nil, nil, nil, err
			}
			transcriber = client

			if oa.Speech {
				speaker = client
				tenantSpeakers = make(map[string]ai.Speaker)
				for _, tenant := range config.Tenants {
					if tenant.Voice == "" {
						continue
					}
					voiced := opts
					voiced.Voice = tenant.Voice
					sp, err := speech.New(voiced, logger.Named("openai"))
					if err != nil {
						return nil, nil, nil, err
					}
					tenantSpeakers[tenant.ID] = sp
				}
			}
		}
	}
	if transcriber == nil {
		logger.Warn("transcription disabled, answers will be recorded without transcript")
	}

	if gc := cfg.Gemini; gc != nil {
		key, err := secrets.Optional(secrets.Source{
			Name:  "gemini api key",
			File:  gc.APIKeyFile,
			Value: gc.APIKey,
			Env:   "GEMINI_API_KEY",
		})
		if err != nil {
			return nil, nil, nil, err
		}

		if key != "" {
			genLogger := logger.Named("gemini").With(
				zap.String("model", gc.Model),
				zap.Int("ai_retry_attempts", gc.MaxRetries),
			)
			generator, err := gemini.NewGenerator(ctx, key, gc.Model, gc.MaxRetries, genLogger)
			if err != nil {
				return nil, nil, nil, err
			}
			scorer = gemini.NewScorer(generator, genLogger, gc.MaxLogLength)
		}
	}
	if scorer == nil {
		logger.Warn("scoring disabled, answers will get the sentinel score")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return ai.NewEvaluator(transcriber, scorer, timeout, logger.Named("ai"), rec), speaker, tenantSpeakers, nil
}
