package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), ":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seededStore(t *testing.T) *Store {
	t.Helper()

	s := newTestStore(t)
	f, err := LoadFixture("testdata/fixture.yaml")
	require.NoError(t, err)
	require.NoError(t, s.Seed(context.Background(), f))
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.migrate(ctx))

	version, err := s.schemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}

func TestSeedNormalizesPhones(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	c, err := s.CandidateByPhone(ctx, "acme", "5511987650003")
	require.NoError(t, err)
	assert.Equal(t, "c3", c.ID)

	_, err = s.CandidateByPhone(ctx, "acme", "123")
	require.ErrorIs(t, err, ErrNotFound)

	// same phone, other tenant
	g, err := s.CandidateByPhone(ctx, "globex", "5511987650001")
	require.NoError(t, err)
	assert.Equal(t, "g1", g.ID)
}

func TestParseFixtureRejectsUnknownKeys(t *testing.T) {
	_, err := ParseFixture([]byte("tenants:\n  - id: acme\n    bogus: true\n"))
	require.Error(t, err)
}

func TestListMembersKeepOrder(t *testing.T) {
	s := seededStore(t)

	members, err := s.ListMembers(context.Background(), "acme", "l1")
	require.NoError(t, err)

	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"c1", "c2", "c3", "c4", "c5"}, ids)
}

func TestCandidatesMatching(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	got, err := s.CandidatesMatching(ctx, "acme", Criteria{Tag: "VENDAS", City: "são paulo"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c1", got[0].ID)
	assert.Equal(t, "c4", got[1].ID)

	all, err := s.CandidatesMatching(ctx, "acme", Criteria{})
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestLatestOpenSelection(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	sel, err := s.LatestOpenSelection(ctx, "acme", "c3")
	require.NoError(t, err)
	assert.Equal(t, "s1", sel.ID)

	// a newer criteria-based round covering only "suporte"
	require.NoError(t, s.UpsertSelection(ctx, Selection{
		TenantID:  "acme",
		ID:        "s2",
		JobID:     "j1",
		Criteria:  Criteria{Tag: "suporte"},
		CreatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}))

	sel, err = s.LatestOpenSelection(ctx, "acme", "c3")
	require.NoError(t, err)
	assert.Equal(t, "s2", sel.ID)

	sel, err = s.LatestOpenSelection(ctx, "acme", "c1")
	require.NoError(t, err)
	assert.Equal(t, "s1", sel.ID)

	require.NoError(t, s.UpsertSelection(ctx, Selection{TenantID: "acme", ID: "s2", JobID: "j1", Criteria: Criteria{Tag: "suporte"}, Status: SelectionClosed}))
	sel, err = s.LatestOpenSelection(ctx, "acme", "c3")
	require.NoError(t, err)
	assert.Equal(t, "s1", sel.ID)

	_, err = s.LatestOpenSelection(ctx, "globex", "g1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestJobQuestionsInOrder(t *testing.T) {
	s := seededStore(t)

	job, err := s.Job(context.Background(), "acme", "j1")
	require.NoError(t, err)
	require.Len(t, job.Questions, 3)
	assert.Equal(t, "Fale sobre você.", job.Questions[0].Prompt)
	assert.Equal(t, "Exemplo concreto.", job.Questions[2].IdealAnswer)

	_, err = s.Job(context.Background(), "globex", "j1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAnswerIsWrittenOncePerQuestion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateInterview(ctx, InterviewRecord{
		ID: "i1", TenantID: "acme", SelectionID: "s1", JobID: "j1", CandidatePhone: "5511987650001", TotalQuestions: 2,
	}))

	inserted, err := s.SaveAnswer(ctx, AnswerRecord{InterviewID: "i1", QuestionIndex: 0, MessageID: "m1", Question: "q", Score: 80})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.SaveAnswer(ctx, AnswerRecord{InterviewID: "i1", QuestionIndex: 0, MessageID: "m1", Question: "q", Score: 10})
	require.NoError(t, err)
	assert.False(t, inserted)

	answers, err := s.Answers(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, answers, 1)
	assert.InDelta(t, 80, answers[0].Score, 0.001)
}

func TestFinishInterviewOnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateInterview(ctx, InterviewRecord{
		ID: "i1", TenantID: "acme", CandidatePhone: "5511987650001", TotalQuestions: 2,
	}))
	for i, score := range []float64{60, 90} {
		_, err := s.SaveAnswer(ctx, AnswerRecord{InterviewID: "i1", QuestionIndex: i, MessageID: "m" + string(rune('0'+i)), Score: score})
		require.NoError(t, err)
	}

	rec, err := s.FinishInterview(ctx, "i1", StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 2, rec.Answered)
	assert.InDelta(t, 75, rec.AverageScore, 0.001)
	assert.False(t, rec.FinishedAt.IsZero())

	_, err = s.FinishInterview(ctx, "i1", StatusCancelled)
	require.ErrorIs(t, err, ErrAlreadyFinalized)

	rec, err = s.Interview(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)

	_, err = s.FinishInterview(ctx, "missing", StatusCompleted)
	require.True(t, errors.Is(err, ErrNotFound))

	_, err = s.FinishInterview(ctx, "i1", "bogus")
	require.Error(t, err)
}

func TestOptOuts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddOptOut(ctx, "acme", "5511987650001"))
	require.NoError(t, s.AddOptOut(ctx, "acme", "5511987650001"))

	out, err := s.IsOptedOut(ctx, "acme", "5511987650001")
	require.NoError(t, err)
	assert.True(t, out)

	out, err = s.IsOptedOut(ctx, "globex", "5511987650001")
	require.NoError(t, err)
	assert.False(t, out)
}

func TestLatestListFor(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertList(ctx, List{
		TenantID: "acme", ID: "l2", Members: []string{"c2", "c5"},
		CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}))

	l, err := s.LatestListFor(ctx, "acme", "c5")
	require.NoError(t, err)
	assert.Equal(t, "l2", l.ID)

	l, err = s.LatestListFor(ctx, "acme", "c1")
	require.NoError(t, err)
	assert.Equal(t, "l1", l.ID)

	_, err = s.LatestListFor(ctx, "acme", "nobody")
	require.ErrorIs(t, err, ErrNotFound)
}
