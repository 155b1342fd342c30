package store

import "time"

// Interview statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusAbandoned  = "abandoned"
)

// Selection statuses.
const (
	SelectionOpen   = "open"
	SelectionClosed = "closed"
)

type Candidate struct {
	ID       string `yaml:"id"`
	TenantID string `yaml:"-"`
	Name     string `yaml:"name"`
	Phone    string `yaml:"phone"`
	Tag      string `yaml:"tag"`
	City     string `yaml:"city"`
}

// List is a named, ordered group of candidates.
type List struct {
	ID       string   `yaml:"id"`
	TenantID string   `yaml:"-"`
	Name     string   `yaml:"name"`
	Members  []string `yaml:"members"`
	// CreatedAt orders lists when a candidate belongs to several.
	CreatedAt time.Time `yaml:"created_at"`
}

type Question struct {
	Prompt      string `yaml:"prompt"`
	IdealAnswer string `yaml:"ideal_answer"`
}

type Job struct {
	ID        string     `yaml:"id"`
	TenantID  string     `yaml:"-"`
	Name      string     `yaml:"name"`
	Questions []Question `yaml:"questions"`
}

// Criteria is the search that produced a selection when it has no list.
type Criteria struct {
	Tag  string `yaml:"tag"`
	City string `yaml:"city"`
}

// Selection is one hiring round of a job.
type Selection struct {
	ID        string    `yaml:"id"`
	TenantID  string    `yaml:"-"`
	JobID     string    `yaml:"job"`
	ListID    string    `yaml:"list"`
	Criteria  Criteria  `yaml:"criteria"`
	Status    string    `yaml:"status"`
	CreatedAt time.Time `yaml:"created_at"`
}

type InterviewRecord struct {
	ID             string
	TenantID       string
	SelectionID    string
	JobID          string
	CandidateID    string
	CandidatePhone string
	Status         string
	TotalQuestions int
	Answered       int
	AverageScore   float64
	StartedAt      time.Time
	FinishedAt     time.Time
}

type AnswerRecord struct {
	InterviewID   string
	QuestionIndex int
	MessageID     string
	Question      string
	Transcript    string
	Score         float64
	Feedback      string
	AudioPath     string
	RecordedAt    time.Time
}
