// Package store persists exams, questions, and responses in SQLite. The same
// type backs both the primary store and the local fallback store used when
// the primary is unreachable.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/rbright/viva/internal/exam"
)

// ErrExamNotFound indicates the requested exam identifier is unknown.
var ErrExamNotFound = errors.New("exam not found")

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies migrations.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exams (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS questions (
		id TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL,
		part INTEGER NOT NULL,
		sequence INTEGER NOT NULL,
		prompt TEXT NOT NULL,
		speaking_seconds INTEGER NOT NULL DEFAULT 45,
		preparation_seconds INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (exam_id) REFERENCES exams(id)
	);

	CREATE TABLE IF NOT EXISTS responses (
		id TEXT PRIMARY KEY,
		identity TEXT NOT NULL,
		question_id TEXT NOT NULL,
		status TEXT NOT NULL,
		audio_ref TEXT NOT NULL DEFAULT '',
		transcript TEXT NOT NULL DEFAULT '',
		feedback TEXT NOT NULL DEFAULT '',
		error_detail TEXT NOT NULL DEFAULT '',
		meta TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL,
		UNIQUE (identity, question_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveExam inserts or replaces an exam definition with its question list.
func (s *Store) SaveExam(ctx context.Context, e exam.Exam) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO exams (id, title) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title`,
		e.ID, e.Title); err != nil {
		return fmt.Errorf("upsert exam: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE exam_id = ?`, e.ID); err != nil {
		return fmt.Errorf("clear questions: %w", err)
	}
	for _, q := range e.Questions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO questions (id, exam_id, part, sequence, prompt, speaking_seconds, preparation_seconds)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			q.ID, e.ID, q.Part, q.Sequence, q.Prompt, q.SpeakingSeconds, q.PreparationSeconds); err != nil {
			return fmt.Errorf("insert question %q: %w", q.ID, err)
		}
	}
	return tx.Commit()
}

// LoadExam returns the exam and its questions ordered by part then sequence.
func (s *Store) LoadExam(ctx context.Context, examID string) (exam.Exam, error) {
	e := exam.Exam{ID: examID}
	err := s.db.QueryRowContext(ctx, `SELECT title FROM exams WHERE id = ?`, examID).Scan(&e.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return exam.Exam{}, fmt.Errorf("%w: %q", ErrExamNotFound, examID)
	}
	if err != nil {
		return exam.Exam{}, fmt.Errorf("load exam %q: %w", examID, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, part, sequence, prompt, speaking_seconds, preparation_seconds
		 FROM questions WHERE exam_id = ? ORDER BY part, sequence`, examID)
	if err != nil {
		return exam.Exam{}, fmt.Errorf("load questions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var q exam.Question
		if err := rows.Scan(&q.ID, &q.Part, &q.Sequence, &q.Prompt, &q.SpeakingSeconds, &q.PreparationSeconds); err != nil {
			return exam.Exam{}, fmt.Errorf("scan question: %w", err)
		}
		e.Questions = append(e.Questions, q)
	}
	if err := rows.Err(); err != nil {
		return exam.Exam{}, fmt.Errorf("iterate questions: %w", err)
	}
	return e, nil
}

// Upsert writes one response keyed by (identity, question). In-memory
// artifacts are not persisted; only the resolved audio reference is.
func (s *Store) Upsert(ctx context.Context, identity string, r exam.Response) error {
	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	feedbackJSON := ""
	if r.Feedback != nil {
		raw, err := json.Marshal(r.Feedback)
		if err != nil {
			return fmt.Errorf("encode feedback: %w", err)
		}
		feedbackJSON = string(raw)
	}
	metaJSON := ""
	if len(r.Meta) > 0 {
		raw, err := json.Marshal(r.Meta)
		if err != nil {
			return fmt.Errorf("encode meta: %w", err)
		}
		metaJSON = string(raw)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO responses (id, identity, question_id, status, audio_ref, transcript, feedback, error_detail, meta, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(identity, question_id) DO UPDATE SET
			status = excluded.status,
			audio_ref = excluded.audio_ref,
			transcript = excluded.transcript,
			feedback = excluded.feedback,
			error_detail = excluded.error_detail,
			meta = excluded.meta,
			updated_at = excluded.updated_at`,
		id, identity, r.QuestionID, string(r.Status), r.AudioRef, r.Transcript,
		feedbackJSON, r.ErrDetail, metaJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert response %q: %w", r.QuestionID, err)
	}
	return nil
}

// ResponsesByIdentity bulk-loads prior responses keyed by question id.
func (s *Store) ResponsesByIdentity(ctx context.Context, identity string) (map[string]*exam.Response, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, question_id, status, audio_ref, transcript, feedback, error_detail, meta
		 FROM responses WHERE identity = ?`, identity)
	if err != nil {
		return nil, fmt.Errorf("load responses: %w", err)
	}
	defer rows.Close()

	out := map[string]*exam.Response{}
	for rows.Next() {
		var (
			r            exam.Response
			status       string
			feedbackJSON string
			metaJSON     string
		)
		if err := rows.Scan(&r.ID, &r.QuestionID, &status, &r.AudioRef, &r.Transcript, &feedbackJSON, &r.ErrDetail, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		r.Status = exam.Status(status)
		if feedbackJSON != "" {
			var fb exam.QuestionFeedback
			if err := json.Unmarshal([]byte(feedbackJSON), &fb); err != nil {
				return nil, fmt.Errorf("decode feedback for %q: %w", r.QuestionID, err)
			}
			r.Feedback = &fb
		}
		if metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &r.Meta); err != nil {
				return nil, fmt.Errorf("decode meta for %q: %w", r.QuestionID, err)
			}
		}
		out[r.QuestionID] = &r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate responses: %w", err)
	}
	return out, nil
}

// Ping verifies the backing database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
