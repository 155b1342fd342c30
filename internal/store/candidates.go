package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (s *Store) UpsertCandidate(ctx context.Context, c Candidate) error {
	if err := required(c.TenantID, c.ID, c.Phone); err != nil {
		return fmt.Errorf("upsert candidate: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO candidates (tenant_id, id, name, phone, tag, city) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = excluded.name, phone = excluded.phone, tag = excluded.tag, city = excluded.city`,
		c.TenantID, c.ID, c.Name, c.Phone, c.Tag, c.City)
	if err != nil {
		return fmt.Errorf("upsert candidate %s: %w", c.ID, err)
	}
	return nil
}

// CandidateByPhone finds the tenant's candidate with the normalized phone.
func (s *Store) CandidateByPhone(ctx context.Context, tenantID, phone string) (*Candidate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, id, name, phone, tag, city FROM candidates
		WHERE tenant_id = ? AND phone = ? ORDER BY rowid LIMIT 1`, tenantID, phone)

	c, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("candidate by phone: %w", err)
	}
	return c, nil
}

// CandidatesMatching returns the tenant's candidates matching the criteria in
// insertion order. Empty criteria fields match everything.
func (s *Store) CandidatesMatching(ctx context.Context, tenantID string, criteria Criteria) ([]Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, id, name, phone, tag, city FROM candidates
		WHERE tenant_id = ?
			AND (? = '' OR tag = ? COLLATE NOCASE)
			AND (? = '' OR city = ? COLLATE NOCASE)
		ORDER BY rowid`,
		tenantID, criteria.Tag, criteria.Tag, criteria.City, criteria.City)
	if err != nil {
		return nil, fmt.Errorf("candidates matching: %w", err)
	}
	return collectCandidates(rows)
}

// UpsertList stores the list and replaces its membership.
func (s *Store) UpsertList(ctx context.Context, l List) error {
	if err := required(l.TenantID, l.ID); err != nil {
		return fmt.Errorf("upsert list: %w", err)
	}

	createdAt := l.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO candidate_lists (tenant_id, id, name, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (tenant_id, id) DO UPDATE SET name = excluded.name`,
			l.TenantID, l.ID, l.Name, toUnix(createdAt))
		if err != nil {
			return fmt.Errorf("upsert list %s: %w", l.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM list_members WHERE tenant_id = ? AND list_id = ?`, l.TenantID, l.ID); err != nil {
			return fmt.Errorf("reset list %s: %w", l.ID, err)
		}

		for i, member := range l.Members {
			_, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO list_members (tenant_id, list_id, candidate_id, position) VALUES (?, ?, ?, ?)`,
				l.TenantID, l.ID, member, i)
			if err != nil {
				return fmt.Errorf("add member %s to list %s: %w", member, l.ID, err)
			}
		}
		return nil
	})
}

// ListMembers returns the list's candidates in list order.
func (s *Store) ListMembers(ctx context.Context, tenantID, listID string) ([]Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.tenant_id, c.id, c.name, c.phone, c.tag, c.city
		FROM list_members m
		JOIN candidates c ON c.tenant_id = m.tenant_id AND c.id = m.candidate_id
		WHERE m.tenant_id = ? AND m.list_id = ?
		ORDER BY m.position`, tenantID, listID)
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", listID, err)
	}
	return collectCandidates(rows)
}

// LatestListFor returns the newest list the candidate is a direct member of.
func (s *Store) LatestListFor(ctx context.Context, tenantID, candidateID string) (*List, error) {
	var (
		l         List
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT l.tenant_id, l.id, l.name, l.created_at
		FROM candidate_lists l
		JOIN list_members m ON m.tenant_id = l.tenant_id AND m.list_id = l.id
		WHERE l.tenant_id = ? AND m.candidate_id = ?
		ORDER BY l.created_at DESC, l.rowid DESC LIMIT 1`, tenantID, candidateID).
		Scan(&l.TenantID, &l.ID, &l.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest list for %s: %w", candidateID, err)
	}
	l.CreatedAt = fromUnix(createdAt)
	return &l, nil
}

// UpsertJob stores the job and replaces its questions.
func (s *Store) UpsertJob(ctx context.Context, j Job) error {
	if err := required(j.TenantID, j.ID); err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (tenant_id, id, name) VALUES (?, ?, ?)
			ON CONFLICT (tenant_id, id) DO UPDATE SET name = excluded.name`,
			j.TenantID, j.ID, j.Name)
		if err != nil {
			return fmt.Errorf("upsert job %s: %w", j.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE tenant_id = ? AND job_id = ?`, j.TenantID, j.ID); err != nil {
			return fmt.Errorf("reset questions of %s: %w", j.ID, err)
		}

		for i, q := range j.Questions {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO questions (tenant_id, job_id, position, prompt, ideal_answer) VALUES (?, ?, ?, ?, ?)`,
				j.TenantID, j.ID, i, q.Prompt, q.IdealAnswer)
			if err != nil {
				return fmt.Errorf("add question %d to %s: %w", i, j.ID, err)
			}
		}
		return nil
	})
}

func (s *Store) Job(ctx context.Context, tenantID, jobID string) (*Job, error) {
	j := Job{TenantID: tenantID}
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM jobs WHERE tenant_id = ? AND id = ?`, tenantID, jobID).
		Scan(&j.ID, &j.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT prompt, ideal_answer FROM questions
		WHERE tenant_id = ? AND job_id = ? ORDER BY position`, tenantID, jobID)
	if err != nil {
		return nil, fmt.Errorf("questions of %s: %w", jobID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var q Question
		if err := rows.Scan(&q.Prompt, &q.IdealAnswer); err != nil {
			return nil, err
		}
		j.Questions = append(j.Questions, q)
	}

	return &j, rows.Err()
}

func (s *Store) UpsertSelection(ctx context.Context, sel Selection) error {
	if err := required(sel.TenantID, sel.ID, sel.JobID); err != nil {
		return fmt.Errorf("upsert selection: %w", err)
	}

	status := sel.Status
	if status == "" {
		status = SelectionOpen
	}
	createdAt := sel.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO selections (tenant_id, id, job_id, list_id, criteria_tag, criteria_city, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			job_id = excluded.job_id, list_id = excluded.list_id,
			criteria_tag = excluded.criteria_tag, criteria_city = excluded.criteria_city,
			status = excluded.status`,
		sel.TenantID, sel.ID, sel.JobID, sel.ListID, sel.Criteria.Tag, sel.Criteria.City, status, toUnix(createdAt))
	if err != nil {
		return fmt.Errorf("upsert selection %s: %w", sel.ID, err)
	}
	return nil
}

// LatestOpenSelection returns the newest open selection that contains the
// candidate: through its list when it has one, otherwise through its criteria.
// A selection with neither list nor criteria covers the whole tenant.
func (s *Store) LatestOpenSelection(ctx context.Context, tenantID, candidateID string) (*Selection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.tenant_id, s.id, s.job_id, s.list_id, s.criteria_tag, s.criteria_city, s.status, s.created_at
		FROM selections s
		JOIN candidates c ON c.tenant_id = s.tenant_id AND c.id = ?
		WHERE s.tenant_id = ? AND s.status = ?
			AND (
				(s.list_id != '' AND EXISTS (
					SELECT 1 FROM list_members m
					WHERE m.tenant_id = s.tenant_id AND m.list_id = s.list_id AND m.candidate_id = c.id))
				OR (s.list_id = ''
					AND (s.criteria_tag = '' OR s.criteria_tag = c.tag COLLATE NOCASE)
					AND (s.criteria_city = '' OR s.criteria_city = c.city COLLATE NOCASE))
			)
		ORDER BY s.created_at DESC, s.rowid DESC LIMIT 1`,
		candidateID, tenantID, SelectionOpen)

	var (
		sel       Selection
		createdAt int64
	)
	err := row.Scan(&sel.TenantID, &sel.ID, &sel.JobID, &sel.ListID, &sel.Criteria.Tag, &sel.Criteria.City, &sel.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest selection for %s: %w", candidateID, err)
	}
	sel.CreatedAt = fromUnix(createdAt)
	return &sel, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandidate(row rowScanner) (*Candidate, error) {
	var c Candidate
	if err := row.Scan(&c.TenantID, &c.ID, &c.Name, &c.Phone, &c.Tag, &c.City); err != nil {
		return nil, err
	}
	return &c, nil
}

func collectCandidates(rows *sql.Rows) ([]Candidate, error) {
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
