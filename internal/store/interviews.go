package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateInterview writes the durable record for a newly started session.
func (s *Store) CreateInterview(ctx context.Context, rec InterviewRecord) error {
	if err := required(rec.ID, rec.TenantID, rec.CandidatePhone); err != nil {
		return fmt.Errorf("create interview: %w", err)
	}

	status := rec.Status
	if status == "" {
		status = StatusInProgress
	}
	startedAt := rec.StartedAt
	if startedAt.IsZero() {
		startedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interviews (id, tenant_id, selection_id, job_id, candidate_id, candidate_phone, status, total_questions, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TenantID, rec.SelectionID, rec.JobID, rec.CandidateID, rec.CandidatePhone, status, rec.TotalQuestions, toUnix(startedAt))
	if err != nil {
		return fmt.Errorf("create interview %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Interview(ctx context.Context, id string) (*InterviewRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, selection_id, job_id, candidate_id, candidate_phone, status,
			total_questions, answered, average_score, started_at, finished_at
		FROM interviews WHERE id = ?`, id)

	rec, err := scanInterview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("interview %s: %w", id, err)
	}
	return rec, nil
}

// InterviewsFor lists a phone's interviews within a tenant, oldest first.
func (s *Store) InterviewsFor(ctx context.Context, tenantID, phone string) ([]InterviewRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, selection_id, job_id, candidate_id, candidate_phone, status,
			total_questions, answered, average_score, started_at, finished_at
		FROM interviews WHERE tenant_id = ? AND candidate_phone = ?
		ORDER BY started_at, rowid`, tenantID, phone)
	if err != nil {
		return nil, fmt.Errorf("interviews for %s: %w", phone, err)
	}
	defer rows.Close()

	var out []InterviewRecord
	for rows.Next() {
		rec, err := scanInterview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// SaveAnswer stores one answer. A second write for the same question of the
// same interview is ignored and reported as not inserted.
func (s *Store) SaveAnswer(ctx context.Context, a AnswerRecord) (bool, error) {
	if err := required(a.InterviewID, a.MessageID); err != nil {
		return false, fmt.Errorf("save answer: %w", err)
	}

	recordedAt := a.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = s.now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO answers (interview_id, question_index, message_id, question, transcript, score, feedback, audio_path, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.InterviewID, a.QuestionIndex, a.MessageID, a.Question, a.Transcript, a.Score, a.Feedback, a.AudioPath, toUnix(recordedAt))
	if err != nil {
		return false, fmt.Errorf("save answer %d of %s: %w", a.QuestionIndex, a.InterviewID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) Answers(ctx context.Context, interviewID string) ([]AnswerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT interview_id, question_index, message_id, question, transcript, score, feedback, audio_path, recorded_at
		FROM answers WHERE interview_id = ? ORDER BY question_index`, interviewID)
	if err != nil {
		return nil, fmt.Errorf("answers of %s: %w", interviewID, err)
	}
	defer rows.Close()

	var out []AnswerRecord
	for rows.Next() {
		var (
			a          AnswerRecord
			recordedAt int64
		)
		if err := rows.Scan(&a.InterviewID, &a.QuestionIndex, &a.MessageID, &a.Question, &a.Transcript,
			&a.Score, &a.Feedback, &a.AudioPath, &recordedAt); err != nil {
			return nil, err
		}
		a.RecordedAt = fromUnix(recordedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// FinishInterview moves an in-progress interview to a final status and writes
// the answer summary. Only the first call succeeds; later ones get
// ErrAlreadyFinalized.
func (s *Store) FinishInterview(ctx context.Context, id, status string) (*InterviewRecord, error) {
	switch status {
	case StatusCompleted, StatusCancelled, StatusAbandoned:
	default:
		return nil, fmt.Errorf("finish interview %s: %w %q", id, errUnknownFinalState, status)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE interviews SET
			status = ?,
			finished_at = ?,
			answered = (SELECT COUNT(*) FROM answers WHERE interview_id = interviews.id),
			average_score = COALESCE((SELECT AVG(score) FROM answers WHERE interview_id = interviews.id), 0)
		WHERE id = ? AND status = ?`,
		status, toUnix(s.now()), id, StatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("finish interview %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	rec, err := s.Interview(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return rec, ErrAlreadyFinalized
	}
	return rec, nil
}

func (s *Store) AddOptOut(ctx context.Context, tenantID, phone string) error {
	if err := required(tenantID, phone); err != nil {
		return fmt.Errorf("add opt-out: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO opt_outs (tenant_id, phone, created_at) VALUES (?, ?, ?)`,
		tenantID, phone, toUnix(s.now()))
	if err != nil {
		return fmt.Errorf("add opt-out %s: %w", phone, err)
	}
	return nil
}

func (s *Store) IsOptedOut(ctx context.Context, tenantID, phone string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM opt_outs WHERE tenant_id = ? AND phone = ?`, tenantID, phone).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("opt-out lookup %s: %w", phone, err)
	}
	return n > 0, nil
}

func scanInterview(row rowScanner) (*InterviewRecord, error) {
	var (
		rec                   InterviewRecord
		startedAt, finishedAt int64
	)
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.SelectionID, &rec.JobID, &rec.CandidateID, &rec.CandidatePhone,
		&rec.Status, &rec.TotalQuestions, &rec.Answered, &rec.AverageScore, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	rec.StartedAt = fromUnix(startedAt)
	rec.FinishedAt = fromUnix(finishedAt)
	return &rec, nil
}
