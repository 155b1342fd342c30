package interview

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spigell/wa-interviewer/internal/ai"
	"github.com/spigell/wa-interviewer/internal/cohort"
	"github.com/spigell/wa-interviewer/internal/metrics"
	"github.com/spigell/wa-interviewer/internal/store"
	"github.com/spigell/wa-interviewer/internal/transport"
	"github.com/spigell/wa-interviewer/internal/transport/transporttest"
)

const (
	tenant   = "acme"
	anaPhone = "5511987650001"
)

var baseTime = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeEvaluator struct {
	mu      sync.Mutex
	calls   int
	results []ai.Result
	panics  bool
}

func (f *fakeEvaluator) TranscribeAndScore(_ context.Context, _ []byte, filename, _, _ string) ai.Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.panics {
		panic("scorer exploded")
	}
	if len(f.results) > 0 {
		r := f.results[0]
		f.results = f.results[1:]
		return r
	}
	return ai.Result{Transcript: "resposta " + filename, Score: 80, Feedback: "ok"}
}

func (f *fakeEvaluator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCadence struct {
	mu       sync.Mutex
	triggers []string
}

func (f *fakeCadence) ActivateImmediateCadence(_ context.Context, phone, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, tenantID+"/"+phone)
	return nil
}

func (f *fakeCadence) Triggers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.triggers...)
}

type countingRecorder struct {
	metrics.Nop
	mu       sync.Mutex
	started  int
	finished map[string]int
}

func (r *countingRecorder) InterviewStarted(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *countingRecorder) InterviewFinished(_, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[status]++
}

func (r *countingRecorder) Finished(status string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished[status]
}

type fakeSpeaker struct {
	err error
}

func (f fakeSpeaker) Speak(_ context.Context, text string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte("voice:" + text), nil
}

type harness struct {
	t        *testing.T
	svc      *Service
	sessions *SessionStore
	store    *store.Store
	slot     *transporttest.Slot
	eval     *fakeEvaluator
	cadence  *fakeCadence
	clock    *fakeClock
	metrics  *countingRecorder
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, ":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.UpsertCandidate(ctx, store.Candidate{TenantID: tenant, ID: "c1", Name: "Ana", Phone: anaPhone}))
	require.NoError(t, st.UpsertCandidate(ctx, store.Candidate{TenantID: tenant, ID: "c2", Name: "Bruno", Phone: "5511987650002"}))
	require.NoError(t, st.UpsertList(ctx, store.List{TenantID: tenant, ID: "l1", Members: []string{"c1", "c2"}}))
	require.NoError(t, st.UpsertJob(ctx, store.Job{TenantID: tenant, ID: "j1", Name: "Vendedor", Questions: []store.Question{
		{Prompt: "Fale sobre você.", IdealAnswer: "Apresentação objetiva."},
		{Prompt: "Por que vendas?", IdealAnswer: "Motivação clara."},
		{Prompt: "Conte uma venda difícil.", IdealAnswer: "Exemplo concreto."},
	}}))
	require.NoError(t, st.UpsertSelection(ctx, store.Selection{TenantID: tenant, ID: "s1", JobID: "j1", ListID: "l1", CreatedAt: baseTime.Add(-24 * time.Hour)}))

	slot := transporttest.NewSlot(tenant, 1)
	registry := transport.NewRegistry(zap.NewNop())
	require.NoError(t, registry.Register(slot))

	sessions := NewSessionStore(0)
	require.NoError(t, sessions.Open())
	t.Cleanup(func() { _ = sessions.Close() })

	h := &harness{
		t:        t,
		sessions: sessions,
		store:    st,
		slot:     slot,
		eval:     &fakeEvaluator{},
		cadence:  &fakeCadence{},
		clock:    &fakeClock{now: baseTime},
		metrics:  &countingRecorder{finished: make(map[string]int)},
	}

	opts := Options{
		Sessions:   sessions,
		Records:    st,
		Selections: cohort.NewResolver(st, zap.NewNop(), nil),
		Messenger:  registry,
		Evaluator:  h.eval,
		Cadence:    h.cadence,
		Logger:     zap.NewNop(),
		Metrics:    h.metrics,
		Now:        h.clock.Now,
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	h.svc, err = NewService(opts)
	require.NoError(t, err)
	return h
}

func (h *harness) text(id, text string) transport.Message {
	return transport.Message{ID: id, TenantID: tenant, SlotIndex: 1, From: anaPhone, Kind: transport.KindText, Text: text}
}

func (h *harness) audio(id string) transport.Message {
	h.slot.SetMedia(id, []byte("ogg-"+id))
	return transport.Message{
		ID: id, TenantID: tenant, SlotIndex: 1, From: anaPhone,
		Kind:  transport.KindAudio,
		Media: &transport.MediaRef{MessageKeyID: id},
	}
}

func (h *harness) handle(msg transport.Message) {
	h.t.Helper()
	require.NoError(h.t, h.svc.HandleInboundMessage(context.Background(), msg))
}

func (h *harness) index() int {
	h.t.Helper()
	sess, ok := h.sessions.Snapshot(tenant, anaPhone)
	require.True(h.t, ok, "session expected")
	return sess.CurrentQuestionIndex
}

func (h *harness) interviews() []store.InterviewRecord {
	h.t.Helper()
	recs, err := h.store.InterviewsFor(context.Background(), tenant, anaPhone)
	require.NoError(h.t, err)
	return recs
}

func TestFullInterviewFinalizesAfterLastAnswer(t *testing.T) {
	h := newHarness(t)

	h.handle(h.text("m1", "1"))
	assert.Equal(t, 0, h.index())
	assert.Equal(t, []string{tenant + "/" + anaPhone}, h.cadence.Triggers())

	texts := h.slot.TextsTo(anaPhone)
	require.Len(t, texts, 2)
	assert.True(t, strings.HasPrefix(texts[0], "🎯 Entrevista iniciada para: Vendedor"))
	assert.Contains(t, texts[1], "Pergunta 1/3")
	assert.Contains(t, texts[1], "Fale sobre você.")

	h.handle(h.audio("a1"))
	assert.Equal(t, 1, h.index())
	h.handle(h.audio("a2"))
	assert.Equal(t, 2, h.index())
	h.handle(h.audio("a3"))

	_, ok := h.sessions.Snapshot(tenant, anaPhone)
	assert.False(t, ok, "session must be removed after finalize")

	texts = h.slot.TextsTo(anaPhone)
	require.Len(t, texts, 7)
	assert.Contains(t, texts[3], "Pergunta 2/3")
	assert.Contains(t, texts[5], "Pergunta 3/3")
	assert.Contains(t, texts[6], "Parabéns Ana")
	assert.Contains(t, texts[6], "Total de respostas: 3")

	recs := h.interviews()
	require.Len(t, recs, 1)
	assert.Equal(t, store.StatusCompleted, recs[0].Status)
	assert.Equal(t, 3, recs[0].Answered)
	assert.InDelta(t, 80, recs[0].AverageScore, 0.001)
	assert.Equal(t, 1, h.metrics.Finished(store.StatusCompleted))
}

func TestRedeliveredAnswerAdvancesOnce(t *testing.T) {
	h := newHarness(t)

	h.handle(h.text("m1", "1"))
	h.handle(h.audio("a1"))
	require.Equal(t, 1, h.index())

	answer := h.audio("a2")
	h.handle(answer)
	h.handle(answer)
	h.handle(answer)

	assert.Equal(t, 2, h.index())
	assert.Equal(t, 2, h.eval.Calls())

	answers, err := h.store.Answers(context.Background(), h.interviews()[0].ID)
	require.NoError(t, err)
	assert.Len(t, answers, 2)
}

func TestAnswerAcceptedOnceWithoutMessageWindow(t *testing.T) {
	h := newHarness(t)

	h.handle(h.text("m1", "1"))
	answer := h.audio("a1")
	h.handle(answer)

	// a fresh window must still not let the session double count
	h.sessions.mu.Lock()
	h.sessions.handled = make(map[string]time.Time)
	h.sessions.mu.Unlock()

	h.handle(answer)
	assert.Equal(t, 1, h.index())
	assert.Equal(t, 1, h.eval.Calls())
}

func TestRedeliveredLastAnswerFinalizesOnce(t *testing.T) {
	h := newHarness(t)

	h.handle(h.text("m1", "1"))
	h.handle(h.audio("a1"))
	h.handle(h.audio("a2"))
	last := h.audio("a3")
	h.handle(last)
	h.handle(last)

	texts := h.slot.TextsTo(anaPhone)
	closing := 0
	for _, text := range texts {
		if strings.Contains(text, "Parabéns") {
			closing++
		}
	}
	assert.Equal(t, 1, closing)
	assert.Equal(t, 1, h.metrics.Finished(store.StatusCompleted))
	assert.Equal(t, 0, h.sessions.Len())
}

func TestStaleSessionReplacedByNewerSelection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.handle(h.text("m1", "1"))
	h.handle(h.audio("a1"))
	require.Equal(t, 1, h.index())

	require.NoError(t, h.store.UpsertJob(ctx, store.Job{TenantID: tenant, ID: "j2", Name: "Supervisor", Questions: []store.Question{
		{Prompt: "Como lidera?", IdealAnswer: "Com exemplo."},
		{Prompt: "Como cobra metas?", IdealAnswer: "Com dados."},
	}}))
	require.NoError(t, h.store.UpsertSelection(ctx, store.Selection{TenantID: tenant, ID: "s2", JobID: "j2", ListID: "l1", CreatedAt: baseTime.Add(time.Hour)}))

	h.clock.Advance(2 * time.Hour)
	h.handle(h.text("m2", "1"))

	sess, ok := h.sessions.Snapshot(tenant, anaPhone)
	require.True(t, ok)
	assert.Equal(t, 0, sess.CurrentQuestionIndex)
	assert.Equal(t, "s2", sess.SelectionID)
	assert.Equal(t, "Supervisor", sess.JobName)
	assert.Len(t, sess.Questions, 2)

	recs := h.interviews()
	require.Len(t, recs, 2)
	assert.Equal(t, store.StatusAbandoned, recs[0].Status)
	assert.Equal(t, 1, recs[0].Answered)
	assert.Equal(t, store.StatusInProgress, recs[1].Status)
	assert.Equal(t, "s2", recs[1].SelectionID)
	assert.Len(t, h.cadence.Triggers(), 2)
}

func TestOldSessionKeptWithoutNewerSelection(t *testing.T) {
	h := newHarness(t)

	h.handle(h.text("m1", "1"))
	h.handle(h.audio("a1"))

	h.clock.Advance(2 * time.Hour)
	h.handle(h.text("m2", "1"))

	assert.Equal(t, 1, h.index())
	texts := h.slot.TextsTo(anaPhone)
	assert.Contains(t, texts[len(texts)-1], "responda a pergunta 2/3")
	assert.Len(t, h.interviews(), 1)
}

func TestTextWhileAwaitingAnswerSendsReminder(t *testing.T) {
	h := newHarness(t)

	h.handle(h.text("m1", "1"))
	h.handle(h.text("m2", "posso responder por texto?"))

	assert.Equal(t, 0, h.index())
	texts := h.slot.TextsTo(anaPhone)
	assert.Contains(t, texts[len(texts)-1], "enviando um áudio")
	assert.Equal(t, 0, h.eval.Calls())
}

func TestTextWithoutSessionIsIgnored(t *testing.T) {
	h := newHarness(t)

	h.handle(h.text("m1", "oi, tudo bem?"))
	h.handle(h.audio("a1"))

	assert.Empty(t, h.slot.Sent())
	assert.Equal(t, 0, h.sessions.Len())
	assert.Empty(t, h.cadence.Triggers())
}

func TestDeclineRecordsOptOut(t *testing.T) {
	h := newHarness(t)

	h.handle(h.text("m1", "2"))

	assert.Equal(t, []string{"Entendido. Obrigado!"}, h.slot.TextsTo(anaPhone))
	opted, err := h.store.IsOptedOut(context.Background(), tenant, anaPhone)
	require.NoError(t, err)
	assert.True(t, opted)
	assert.Equal(t, 0, h.sessions.Len())
}

func TestStopWordCancelsInterview(t *testing.T) {
	h := newHarness(t)

	h.handle(h.text("m1", "1"))
	h.handle(h.text("m2", " Parar "))

	assert.Equal(t, 0, h.sessions.Len())
	recs := h.interviews()
	require.Len(t, recs, 1)
	assert.Equal(t, store.StatusCancelled, recs[0].Status)
	texts := h.slot.TextsTo(anaPhone)
	assert.Contains(t, texts[len(texts)-1], "Entrevista interrompida")
	assert.Equal(t, 1, h.metrics.Finished(store.StatusCancelled))
}

func TestFailedEvaluationStillAdvances(t *testing.T) {
	h := newHarness(t)
	h.eval.results = []ai.Result{{Score: ai.ScoreUnavailable, Err: errors.New("whisper down")}}

	h.handle(h.text("m1", "1"))
	h.handle(h.audio("a1"))
	assert.Equal(t, 1, h.index())

	// download failure degrades the same way
	h.slot.SetMediaError(errors.New("media gone"))
	h.handle(h.audio("a2"))
	assert.Equal(t, 2, h.index())
	assert.Equal(t, 1, h.eval.Calls())

	answers, err := h.store.Answers(context.Background(), h.interviews()[0].ID)
	require.NoError(t, err)
	require.Len(t, answers, 2)
	for _, a := range answers {
		assert.Empty(t, a.Transcript)
		assert.Equal(t, float64(ai.ScoreUnavailable), a.Score)
	}
}

func TestQuestionSendRetriedOnce(t *testing.T) {
	h := newHarness(t)

	h.handle(h.text("m1", "1"))
	h.slot.FailNext(anaPhone, 2)
	h.handle(h.audio("a1"))

	// ack lost twice, question delivered
	texts := h.slot.TextsTo(anaPhone)
	assert.Contains(t, texts[len(texts)-1], "Pergunta 2/3")
	assert.Equal(t, 1, h.index())
}

func TestUndeliveredReplyDoesNotFailEvent(t *testing.T) {
	h := newHarness(t)

	h.handle(h.text("m1", "1"))
	delivered := len(h.slot.TextsTo(anaPhone))

	h.slot.FailAll(true)
	h.handle(h.text("m2", "oi"))
	h.slot.FailAll(false)

	assert.Len(t, h.slot.TextsTo(anaPhone), delivered)
	assert.Equal(t, 0, h.index())
}

func TestOutboundTextIsRetriedOnce(t *testing.T) {
	h := newHarness(t)
	h.slot.FailNext(anaPhone, 1)

	h.handle(h.text("m1", "1"))

	assert.NotEmpty(t, h.slot.TextsTo(anaPhone))
	assert.Equal(t, 0, h.index())
}

func TestIndexGuardFinalizesInsteadOfAsking(t *testing.T) {
	h := newHarness(t)

	h.handle(h.text("m1", "1"))
	sess := h.sessions.get(tenant, anaPhone)
	require.NotNil(t, sess)
	sess.CurrentQuestionIndex = len(sess.Questions)

	h.handle(h.audio("a1"))

	assert.Equal(t, 0, h.sessions.Len())
	assert.Equal(t, 0, h.eval.Calls())
	texts := h.slot.TextsTo(anaPhone)
	assert.Contains(t, texts[len(texts)-1], "Parabéns")
	assert.Equal(t, store.StatusCompleted, h.interviews()[0].Status)
}

func TestUnknownCandidateGetsUnavailable(t *testing.T) {
	h := newHarness(t)

	msg := h.text("m1", "1")
	msg.From = "5511900000000"
	h.handle(msg)

	assert.Equal(t, []string{DefaultTemplates().Unavailable}, h.slot.TextsTo("5511900000000"))
	assert.Equal(t, 0, h.sessions.Len())
	assert.Empty(t, h.cadence.Triggers())
}

func TestPanicIsRecoveredAndLockReleased(t *testing.T) {
	h := newHarness(t)

	h.handle(h.text("m1", "1"))

	h.eval.panics = true
	err := h.svc.HandleInboundMessage(context.Background(), h.audio("a1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	h.eval.panics = false
	h.handle(h.audio("a2"))
	assert.Equal(t, 1, h.index())
}

func TestQuestionsAreVoicedWhenSpeakerConfigured(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Speaker = fakeSpeaker{err: errors.New("tts down")}
		o.TenantSpeakers = map[string]ai.Speaker{tenant: fakeSpeaker{}}
	})

	h.handle(h.text("m1", "1"))

	var voices []string
	for _, sent := range h.slot.Sent() {
		if sent.Voice != nil {
			voices = append(voices, string(sent.Voice))
		}
	}
	assert.Equal(t, []string{"voice:Fale sobre você."}, voices)
}

func TestSpeakerFailureKeepsTextQuestion(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Speaker = fakeSpeaker{err: errors.New("tts down")}
	})

	h.handle(h.text("m1", "1"))

	texts := h.slot.TextsTo(anaPhone)
	require.Len(t, texts, 2)
	assert.Contains(t, texts[1], "Pergunta 1/3")
}

func TestAnswerAudioSavedOnce(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, func(o *Options) { o.AudioDir = dir })

	h.handle(h.text("m1", "1"))
	h.handle(h.audio("a1"))

	path := filepath.Join(dir, "audio_"+anaPhone+"_s1_R1.ogg")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("ogg-a1"), data)

	answers, err := h.store.Answers(context.Background(), h.interviews()[0].ID)
	require.NoError(t, err)
	assert.Equal(t, path, answers[0].AudioPath)
}

func TestConcurrentDeliveriesSerializePerPhone(t *testing.T) {
	h := newHarness(t)
	h.handle(h.text("m1", "1"))

	answer := h.audio("a1")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.svc.HandleInboundMessage(context.Background(), answer)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.index())
	assert.Equal(t, 1, h.eval.Calls())
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(Options{})
	require.Error(t, err)
}
