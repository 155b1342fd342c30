package interview

import (
	"time"

	"github.com/spigell/wa-interviewer/internal/store"
)

// Answer is one accepted answer held by a live session.
type Answer struct {
	QuestionIndex int
	MessageID     string
	Transcript    string
	Score         float64
	Feedback      string
	AudioPath     string
	RecordedAt    time.Time
}

// Session is the in-memory progress of one candidate through a job's
// questions. CurrentQuestionIndex is the only progress marker and stays within
// [0, len(Questions)].
type Session struct {
	CandidatePhone       string
	CandidateID          string
	CandidateName        string
	TenantID             string
	SlotIndex            int
	JobID                string
	JobName              string
	SelectionID          string
	Questions            []store.Question
	CurrentQuestionIndex int
	Answers              []Answer
	StartedAt            time.Time
	PersistedInterviewID string

	accepted map[string]struct{}
}

func newSession(cand *store.Candidate, job *store.Job, sel *store.Selection, slot int, interviewID string, startedAt time.Time) *Session {
	questions := make([]store.Question, len(job.Questions))
	copy(questions, job.Questions)

	return &Session{
		CandidatePhone:       cand.Phone,
		CandidateID:          cand.ID,
		CandidateName:        cand.Name,
		TenantID:             cand.TenantID,
		SlotIndex:            slot,
		JobID:                job.ID,
		JobName:              job.Name,
		SelectionID:          sel.ID,
		Questions:            questions,
		StartedAt:            startedAt,
		PersistedInterviewID: interviewID,
		accepted:             make(map[string]struct{}),
	}
}

// Done reports whether every question has an answer.
func (s *Session) Done() bool {
	return s.CurrentQuestionIndex >= len(s.Questions)
}

// Current returns the question awaiting an answer.
func (s *Session) Current() (store.Question, bool) {
	if s.Done() || s.CurrentQuestionIndex < 0 {
		return store.Question{}, false
	}
	return s.Questions[s.CurrentQuestionIndex], true
}

// HasAnswer reports whether messageID was already accepted as an answer.
func (s *Session) HasAnswer(messageID string) bool {
	if messageID == "" {
		return false
	}
	_, ok := s.accepted[messageID]
	return ok
}

// accept records the answer for the current question and advances by one.
// It returns false for a redelivered message or a finished session.
func (s *Session) accept(a Answer) bool {
	if s.Done() || s.HasAnswer(a.MessageID) {
		return false
	}
	a.QuestionIndex = s.CurrentQuestionIndex
	s.Answers = append(s.Answers, a)
	if a.MessageID != "" {
		if s.accepted == nil {
			s.accepted = make(map[string]struct{})
		}
		s.accepted[a.MessageID] = struct{}{}
	}
	s.CurrentQuestionIndex++
	return true
}

func (s *Session) clone() Session {
	c := *s
	c.Questions = append([]store.Question(nil), s.Questions...)
	c.Answers = append([]Answer(nil), s.Answers...)
	c.accepted = make(map[string]struct{}, len(s.accepted))
	for id := range s.accepted {
		c.accepted[id] = struct{}{}
	}
	return c
}
