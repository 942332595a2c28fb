package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"engramd/internal/logging"
)

const skillColumns = `id, name, description, steps, times_used, success_rate, archived,
	metadata, created_at, updated_at, last_used`

func marshalSteps(steps []SkillStep) (string, error) {
	if steps == nil {
		steps = []SkillStep{}
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("failed to marshal skill steps: %w", err)
	}
	return string(b), nil
}

// UpsertSkill registers a procedure or updates its description and
// steps if the name is already known. Usage counters survive the
// update; an archived skill is revived.
func (s *MemoryStore) UpsertSkill(sk *Skill) (*Skill, error) {
	if sk.Name == "" {
		return nil, fmt.Errorf("%w: skill name required", ErrConstraintViolation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := marshalMetadata(sk.Metadata)
	if err != nil {
		return nil, err
	}
	steps, err := marshalSteps(sk.Steps)
	if err != nil {
		return nil, err
	}
	id := sk.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := fmtTime(time.Now())

	_, err = s.db.Exec(`
		INSERT INTO skills (id, name, description, steps, times_used, success_rate,
			archived, metadata, created_at, updated_at, last_used)
		VALUES (?, ?, ?, ?, 0, 0.0, 0, ?, ?, ?, NULL)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			steps = excluded.steps,
			archived = 0,
			metadata = COALESCE(excluded.metadata, skills.metadata),
			updated_at = excluded.updated_at`,
		id, sk.Name, sk.Description, steps, meta, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert skill %s: %w", sk.Name, err)
	}

	return s.getSkillLocked(s.db, sk.Name)
}

// GetSkill returns the skill with the given name, archived or not.
func (s *MemoryStore) GetSkill(name string) (*Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSkillLocked(s.db, name)
}

func (s *MemoryStore) getSkillLocked(ex execer, name string) (*Skill, error) {
	row := ex.QueryRow("SELECT "+skillColumns+" FROM skills WHERE name = ?", name)
	return scanSkill(row)
}

func scanSkill(row rowScanner) (*Skill, error) {
	var (
		sk        Skill
		steps     string
		meta      sql.NullString
		createdAt string
		updatedAt string
		lastUsed  sql.NullString
	)
	err := row.Scan(&sk.ID, &sk.Name, &sk.Description, &steps, &sk.TimesUsed,
		&sk.SuccessRate, &sk.Archived, &meta, &createdAt, &updatedAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan skill: %w", err)
	}

	if steps != "" {
		if err := json.Unmarshal([]byte(steps), &sk.Steps); err != nil {
			return nil, fmt.Errorf("bad steps on skill %s: %w", sk.Name, err)
		}
	}
	if sk.Metadata, err = unmarshalMetadata(meta); err != nil {
		return nil, err
	}
	if sk.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at on skill %s: %w", sk.Name, err)
	}
	if sk.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at on skill %s: %w", sk.Name, err)
	}
	if sk.LastUsed, err = parseNullTime(lastUsed); err != nil {
		return nil, fmt.Errorf("bad last_used on skill %s: %w", sk.Name, err)
	}
	return &sk, nil
}

// RecordOutcome folds one execution outcome into the skill's success
// rate as an incremental average:
//
//	rate' = (rate*n + outcome) / (n+1)
//
// where outcome is 1 for success and 0 for failure. The update is a
// single statement, so concurrent outcomes never clobber each other.
// Returns ErrNotFound for an unknown skill.
func (s *MemoryStore) RecordOutcome(name string, success bool) (*Skill, error) {
	outcome := 0.0
	if success {
		outcome = 1.0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := fmtTime(time.Now())
	res, err := s.db.Exec(`
		UPDATE skills SET
			success_rate = (success_rate * times_used + ?) / (times_used + 1),
			times_used = times_used + 1,
			updated_at = ?,
			last_used = ?
		WHERE name = ?`,
		outcome, now, now, name)
	if err != nil {
		return nil, fmt.Errorf("failed to record outcome for skill %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: skill %s", ErrNotFound, name)
	}

	logging.StoreDebug("recorded outcome for skill %s (success=%v)", name, success)
	return s.getSkillLocked(s.db, name)
}

// ListSkills returns live skills ordered by success rate then usage.
// Archived skills are excluded.
func (s *MemoryStore) ListSkills() ([]*Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT " + skillColumns + " FROM skills WHERE archived = 0 ORDER BY success_rate DESC, times_used DESC")
	if err != nil {
		return nil, fmt.Errorf("skill query failed: %w", err)
	}
	defer rows.Close()

	var skills []*Skill
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		skills = append(skills, sk)
	}
	return skills, rows.Err()
}
