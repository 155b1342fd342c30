// Package interview runs the WhatsApp interview conversation: opt-in, one
// voice answer per question, and a single finalize per session.
package interview

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/wa-interviewer/internal/ai"
	"github.com/spigell/wa-interviewer/internal/logger"
	"github.com/spigell/wa-interviewer/internal/metrics"
	"github.com/spigell/wa-interviewer/internal/store"
	"github.com/spigell/wa-interviewer/internal/transport"
)

const (
	DefaultOptIn      = "1"
	DefaultDecline    = "2"
	DefaultStaleAfter = time.Hour
)

var DefaultStopWords = []string{"parar", "sair"}

// Records is the durable side of an interview.
type Records interface {
	CandidateByPhone(ctx context.Context, tenantID, phone string) (*store.Candidate, error)
	Job(ctx context.Context, tenantID, jobID string) (*store.Job, error)
	CreateInterview(ctx context.Context, rec store.InterviewRecord) error
	SaveAnswer(ctx context.Context, a store.AnswerRecord) (bool, error)
	FinishInterview(ctx context.Context, id, status string) (*store.InterviewRecord, error)
	AddOptOut(ctx context.Context, tenantID, phone string) error
}

// SelectionFinder returns the newest open selection containing a candidate.
type SelectionFinder interface {
	LatestSelection(ctx context.Context, tenantID, candidateID string) (*store.Selection, error)
}

// Messenger sends and fetches through the tenant's own slots.
type Messenger interface {
	SendText(ctx context.Context, tenantID string, preferredSlot int, to, text string) error
	SendVoice(ctx context.Context, tenantID string, preferredSlot int, to string, audio []byte) error
	DownloadMedia(ctx context.Context, tenantID string, slotIndex int, ref *transport.MediaRef) ([]byte, error)
}

type Evaluator interface {
	TranscribeAndScore(ctx context.Context, audio []byte, filename, question, ideal string) ai.Result
}

// CadenceTrigger fans the invitation out to the candidate's cohort.
type CadenceTrigger interface {
	ActivateImmediateCadence(ctx context.Context, triggeringPhone, tenantID string) error
}

type Options struct {
	Sessions   *SessionStore
	Records    Records
	Selections SelectionFinder
	Messenger  Messenger
	Evaluator  Evaluator
	Cadence    CadenceTrigger
	// Speaker voices questions for tenants without their own entry in TenantSpeakers.
	Speaker        ai.Speaker
	TenantSpeakers map[string]ai.Speaker
	Logger         *zap.Logger
	Metrics        metrics.Recorder
	Templates      Templates

	OptIn      string
	Decline    string
	StopWords  []string
	StaleAfter time.Duration
	// AudioDir keeps the answer recordings; empty disables saving.
	AudioDir string
	Now      func() time.Time
}

// Service is the interview state machine.
type Service struct {
	sessions       *SessionStore
	records        Records
	selections     SelectionFinder
	messenger      Messenger
	evaluator      Evaluator
	cadence        CadenceTrigger
	speaker        ai.Speaker
	tenantSpeakers map[string]ai.Speaker
	logger         *zap.Logger
	metrics        metrics.Recorder
	templates      Templates

	optIn      string
	decline    string
	stopWords  map[string]struct{}
	staleAfter time.Duration
	audioDir   string
	now        func() time.Time
}

func NewService(opts Options) (*Service, error) {
	switch {
	case opts.Sessions == nil:
		return nil, errors.New("session store is required")
	case opts.Records == nil:
		return nil, errors.New("interview records are required")
	case opts.Selections == nil:
		return nil, errors.New("selection finder is required")
	case opts.Messenger == nil:
		return nil, errors.New("messenger is required")
	case opts.Evaluator == nil:
		return nil, errors.New("evaluator is required")
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.OptIn = strings.TrimSpace(opts.OptIn); opts.OptIn == "" {
		opts.OptIn = DefaultOptIn
	}
	if opts.Decline = strings.TrimSpace(opts.Decline); opts.Decline == "" {
		opts.Decline = DefaultDecline
	}
	if len(opts.StopWords) == 0 {
		opts.StopWords = DefaultStopWords
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	stop := make(map[string]struct{}, len(opts.StopWords))
	for _, w := range opts.StopWords {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			stop[w] = struct{}{}
		}
	}

	return &Service{
		sessions:       opts.Sessions,
		records:        opts.Records,
		selections:     opts.Selections,
		messenger:      opts.Messenger,
		evaluator:      opts.Evaluator,
		cadence:        opts.Cadence,
		speaker:        opts.Speaker,
		tenantSpeakers: opts.TenantSpeakers,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		templates:      opts.Templates.withDefaults(),
		optIn:          opts.OptIn,
		decline:        opts.Decline,
		stopWords:      stop,
		staleAfter:     opts.StaleAfter,
		audioDir:       opts.AudioDir,
		now:            opts.Now,
	}, nil
}

// outcome labels the inbound metric and tells the caller whether the cohort
// should be invited.
type outcome struct {
	label   string
	started bool
}

// HandleInboundMessage is the single entry point for candidate messages. The
// conversation lock is held for the whole event; the cadence fan-out runs
// after it is released.
func (s *Service) HandleInboundMessage(ctx context.Context, msg transport.Message) (err error) {
	log := logger.WithConversation(s.logger, msg.TenantID, msg.From).With(
		zap.String(logger.FieldMessageID, msg.ID),
		zap.Int(logger.FieldSlot, msg.SlotIndex),
	)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling message %s: %v", msg.ID, r)
			log.Error("inbound handler panicked", zap.Any("panic", r))
			s.metrics.InboundMessage(msg.Kind.String(), "panic")
		}
	}()

	if msg.TenantID == "" || msg.From == "" {
		return errors.New("message without tenant or sender")
	}

	unlock, err := s.sessions.Lock(ctx, msg.TenantID, msg.From)
	if err != nil {
		return fmt.Errorf("lock conversation: %w", err)
	}

	res, err := func() (outcome, error) {
		defer unlock()

		if s.sessions.Handled(msg.TenantID, msg.ID) {
			log.Debug("duplicate message skipped")
			return outcome{label: "duplicate"}, nil
		}

		res, err := s.dispatch(ctx, log, msg)
		if err == nil {
			s.sessions.MarkHandled(msg.TenantID, msg.ID)
		}
		return res, err
	}()

	label := res.label
	if err != nil {
		label = "error"
	}
	s.metrics.InboundMessage(msg.Kind.String(), label)

	if res.started && s.cadence != nil {
		if cerr := s.cadence.ActivateImmediateCadence(ctx, msg.From, msg.TenantID); cerr != nil {
			log.Warn("cohort invitation not scheduled", zap.Error(cerr))
		}
	}

	return err
}

func (s *Service) dispatch(ctx context.Context, log *zap.Logger, msg transport.Message) (outcome, error) {
	sess := s.sessions.get(msg.TenantID, msg.From)

	if sess != nil && s.stale(ctx, log, sess) {
		if err := s.abandon(ctx, log, sess); err != nil {
			return outcome{}, err
		}
		sess = nil
	}

	if sess == nil {
		return s.handleNoSession(ctx, log, msg)
	}

	log = log.With(zap.String(logger.FieldInterview, sess.PersistedInterviewID))

	if sess.Done() {
		log.Warn("session already past its last question, finalizing")
		return outcome{label: "finalized"}, s.finalize(ctx, log, sess)
	}

	text := strings.ToLower(strings.TrimSpace(msg.Text))
	if _, ok := s.stopWords[text]; ok && msg.Kind == transport.KindText {
		return outcome{label: "cancelled"}, s.cancel(ctx, log, sess)
	}

	if msg.IsAudio() {
		return s.handleAnswer(ctx, log, sess, msg)
	}

	s.send(ctx, log, sess.TenantID, sess.SlotIndex, sess.CandidatePhone, render(s.templates.Reminder, sess))
	return outcome{label: "reminded"}, nil
}

// stale reports whether an old session should give way to a newer selection.
func (s *Service) stale(ctx context.Context, log *zap.Logger, sess *Session) bool {
	if s.now().Sub(sess.StartedAt) <= s.staleAfter {
		return false
	}

	latest, err := s.selections.LatestSelection(ctx, sess.TenantID, sess.CandidateID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn("staleness check failed, keeping session", zap.Error(err))
		}
		return false
	}

	return latest.ID != sess.SelectionID
}

func (s *Service) abandon(ctx context.Context, log *zap.Logger, sess *Session) error {
	log.Info("stale session replaced by newer selection",
		zap.String("selection", sess.SelectionID),
		zap.Int("question_index", sess.CurrentQuestionIndex),
		zap.Duration("age", s.now().Sub(sess.StartedAt)),
	)

	if err := s.closeRecord(ctx, log, sess, store.StatusAbandoned); err != nil {
		return err
	}
	s.sessions.delete(sess.TenantID, sess.CandidatePhone)
	return nil
}

func (s *Service) handleNoSession(ctx context.Context, log *zap.Logger, msg transport.Message) (outcome, error) {
	if msg.Kind != transport.KindText {
		log.Debug("no session, non-text message ignored", zap.Stringer("kind", msg.Kind))
		return outcome{label: "ignored"}, nil
	}

	switch strings.TrimSpace(msg.Text) {
	case s.optIn:
		return s.start(ctx, log, msg)
	case s.decline:
		if err := s.records.AddOptOut(ctx, msg.TenantID, msg.From); err != nil {
			return outcome{}, fmt.Errorf("record opt-out: %w", err)
		}
		log.Info("candidate declined the interview")
		s.send(ctx, log, msg.TenantID, msg.SlotIndex, msg.From, s.templates.Declined)
		return outcome{label: "declined"}, nil
	default:
		log.Debug("no session, text ignored")
		return outcome{label: "ignored"}, nil
	}
}

func (s *Service) start(ctx context.Context, log *zap.Logger, msg transport.Message) (outcome, error) {
	unavailable := func(reason string, err error) (outcome, error) {
		log.Warn("interview not started", zap.String("reason", reason), zap.Error(err))
		s.send(ctx, log, msg.TenantID, msg.SlotIndex, msg.From, s.templates.Unavailable)
		return outcome{label: "unavailable"}, nil
	}

	cand, err := s.records.CandidateByPhone(ctx, msg.TenantID, msg.From)
	if errors.Is(err, store.ErrNotFound) {
		return unavailable("unknown candidate", nil)
	}
	if err != nil {
		return outcome{}, fmt.Errorf("find candidate: %w", err)
	}

	sel, err := s.selections.LatestSelection(ctx, msg.TenantID, cand.ID)
	if errors.Is(err, store.ErrNotFound) {
		return unavailable("no open selection", nil)
	}
	if err != nil {
		return outcome{}, fmt.Errorf("find selection: %w", err)
	}

	job, err := s.records.Job(ctx, msg.TenantID, sel.JobID)
	if errors.Is(err, store.ErrNotFound) {
		return unavailable("selection job missing", nil)
	}
	if err != nil {
		return outcome{}, fmt.Errorf("load job %s: %w", sel.JobID, err)
	}
	if len(job.Questions) == 0 {
		return unavailable("job has no questions", nil)
	}

	startedAt := s.now()
	rec := store.InterviewRecord{
		ID:             uuid.NewString(),
		TenantID:       msg.TenantID,
		SelectionID:    sel.ID,
		JobID:          job.ID,
		CandidateID:    cand.ID,
		CandidatePhone: msg.From,
		Status:         store.StatusInProgress,
		TotalQuestions: len(job.Questions),
		StartedAt:      startedAt,
	}
	if err := s.records.CreateInterview(ctx, rec); err != nil {
		return outcome{}, fmt.Errorf("create interview: %w", err)
	}

	cand.Phone = msg.From
	cand.TenantID = msg.TenantID
	sess := newSession(cand, job, sel, msg.SlotIndex, rec.ID, startedAt)
	if err := s.sessions.put(sess); err != nil {
		return outcome{}, err
	}
	s.metrics.InterviewStarted(msg.TenantID)

	log.Info("interview started",
		zap.String(logger.FieldInterview, rec.ID),
		zap.String("selection", sel.ID),
		zap.String("job", job.ID),
		zap.Int("questions", len(job.Questions)),
	)

	s.send(ctx, log, sess.TenantID, sess.SlotIndex, sess.CandidatePhone, render(s.templates.Intro, sess))
	s.ask(ctx, log, sess)

	return outcome{label: "started", started: true}, nil
}

func (s *Service) handleAnswer(ctx context.Context, log *zap.Logger, sess *Session, msg transport.Message) (outcome, error) {
	if sess.HasAnswer(msg.ID) {
		log.Debug("answer already accepted")
		return outcome{label: "duplicate"}, nil
	}

	q, ok := sess.Current()
	if !ok {
		return outcome{label: "finalized"}, s.finalize(ctx, log, sess)
	}
	index := sess.CurrentQuestionIndex
	filename := audioFilename(sess, index)

	var (
		result    ai.Result
		audioPath string
	)
	audio, err := s.messenger.DownloadMedia(ctx, sess.TenantID, msg.SlotIndex, msg.Media)
	if err != nil {
		log.Warn("answer audio download failed", zap.Int("question_index", index), zap.Error(err))
		result = ai.Result{Score: ai.ScoreUnavailable, Err: err}
	} else {
		audioPath = s.saveAudio(log, filename, audio)
		result = s.evaluator.TranscribeAndScore(ctx, audio, filename, q.Prompt, q.IdealAnswer)
	}

	answer := Answer{
		MessageID:  msg.ID,
		Transcript: result.Transcript,
		Score:      result.Score,
		Feedback:   result.Feedback,
		AudioPath:  audioPath,
		RecordedAt: s.now(),
	}
	if !sess.accept(answer) {
		return outcome{label: "duplicate"}, nil
	}

	inserted, err := s.records.SaveAnswer(ctx, store.AnswerRecord{
		InterviewID:   sess.PersistedInterviewID,
		QuestionIndex: index,
		MessageID:     msg.ID,
		Question:      q.Prompt,
		Transcript:    answer.Transcript,
		Score:         answer.Score,
		Feedback:      answer.Feedback,
		AudioPath:     audioPath,
		RecordedAt:    answer.RecordedAt,
	})
	switch {
	case err != nil:
		log.Error("answer not persisted", zap.Int("question_index", index), zap.Error(err))
	case !inserted:
		log.Debug("answer record already present", zap.Int("question_index", index))
	}

	log.Info("answer accepted",
		zap.Int("question_index", index),
		zap.Float64("score", answer.Score),
		zap.Bool("degraded", result.Err != nil),
	)

	if sess.Done() {
		return outcome{label: "finalized"}, s.finalize(ctx, log, sess)
	}

	s.send(ctx, log, sess.TenantID, sess.SlotIndex, sess.CandidatePhone, s.templates.Ack)
	s.ask(ctx, log, sess)
	return outcome{label: "answered"}, nil
}

// finalize completes the durable record, says goodbye and drops the session.
func (s *Service) finalize(ctx context.Context, log *zap.Logger, sess *Session) error {
	if err := s.closeRecord(ctx, log, sess, store.StatusCompleted); err != nil {
		return err
	}

	s.send(ctx, log, sess.TenantID, sess.SlotIndex, sess.CandidatePhone, render(s.templates.Closing, sess))
	s.sessions.delete(sess.TenantID, sess.CandidatePhone)

	log.Info("interview completed", zap.Int("answers", len(sess.Answers)))
	return nil
}

func (s *Service) cancel(ctx context.Context, log *zap.Logger, sess *Session) error {
	if err := s.closeRecord(ctx, log, sess, store.StatusCancelled); err != nil {
		return err
	}

	s.send(ctx, log, sess.TenantID, sess.SlotIndex, sess.CandidatePhone, s.templates.Cancelled)
	s.sessions.delete(sess.TenantID, sess.CandidatePhone)

	log.Info("interview cancelled by candidate", zap.Int("question_index", sess.CurrentQuestionIndex))
	return nil
}

// closeRecord moves the durable record to status. A record that was already
// final is left untouched.
func (s *Service) closeRecord(ctx context.Context, log *zap.Logger, sess *Session, status string) error {
	rec, err := s.records.FinishInterview(ctx, sess.PersistedInterviewID, status)
	switch {
	case errors.Is(err, store.ErrAlreadyFinalized):
		if rec != nil {
			log = log.With(zap.String("status", rec.Status))
		}
		log.Warn("interview record already final")
		return nil
	case errors.Is(err, store.ErrNotFound):
		log.Warn("interview record missing, dropping session")
		return nil
	case err != nil:
		return fmt.Errorf("finish interview %s: %w", sess.PersistedInterviewID, err)
	}

	s.metrics.InterviewFinished(sess.TenantID, status)
	log.Debug("interview record closed",
		zap.String("status", rec.Status),
		zap.Int("answered", rec.Answered),
		zap.Float64("average_score", rec.AverageScore),
	)
	return nil
}

// ask sends the current question, guarded by the index.
func (s *Service) ask(ctx context.Context, log *zap.Logger, sess *Session) {
	q, ok := sess.Current()
	if !ok {
		return
	}

	s.send(ctx, log, sess.TenantID, sess.SlotIndex, sess.CandidatePhone, render(s.templates.Question, sess))

	speaker := s.speakerFor(sess.TenantID)
	if speaker == nil {
		return
	}
	voice, err := speaker.Speak(ctx, q.Prompt)
	if err != nil {
		log.Warn("question voice not synthesized", zap.Int("question_index", sess.CurrentQuestionIndex), zap.Error(err))
		return
	}
	s.sendVoice(ctx, log, sess, voice)
}

func (s *Service) speakerFor(tenantID string) ai.Speaker {
	if sp, ok := s.tenantSpeakers[tenantID]; ok && sp != nil {
		return sp
	}
	return s.speaker
}

// send retries once; a failed send never changes the session.
func (s *Service) send(ctx context.Context, log *zap.Logger, tenantID string, slot int, to, text string) {
	err := s.messenger.SendText(ctx, tenantID, slot, to, text)
	if err == nil {
		return
	}
	log.Debug("send failed, retrying once", zap.Error(err))

	if err = s.messenger.SendText(ctx, tenantID, slot, to, text); err != nil {
		log.Error("message not delivered", zap.Error(err))
	}
}

func (s *Service) sendVoice(ctx context.Context, log *zap.Logger, sess *Session, audio []byte) {
	err := s.messenger.SendVoice(ctx, sess.TenantID, sess.SlotIndex, sess.CandidatePhone, audio)
	if err == nil {
		return
	}
	if err = s.messenger.SendVoice(ctx, sess.TenantID, sess.SlotIndex, sess.CandidatePhone, audio); err != nil {
		log.Warn("question voice not delivered", zap.Error(err))
	}
}

func audioFilename(sess *Session, index int) string {
	return fmt.Sprintf("audio_%s_%s_R%d.ogg", sess.CandidatePhone, sess.SelectionID, index+1)
}

// saveAudio writes the recording once and returns its path, or "" when
// saving is disabled or failed.
func (s *Service) saveAudio(log *zap.Logger, filename string, audio []byte) string {
	if s.audioDir == "" {
		return ""
	}

	path := filepath.Join(s.audioDir, filename)
	if _, err := os.Stat(path); err == nil {
		return path
	}

	if err := os.MkdirAll(s.audioDir, 0o755); err != nil {
		log.Warn("audio directory not created", zap.String("dir", s.audioDir), zap.Error(err))
		return ""
	}
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		log.Warn("answer audio not saved", zap.String("path", path), zap.Error(err))
		return ""
	}
	return path
}
