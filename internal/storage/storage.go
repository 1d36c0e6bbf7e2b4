package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotInitialized is returned by queries on a nil Store.
var ErrNotInitialized = errors.New("store not initialized")

// Store wraps SQLite-backed persistence for jobs, alignment passes and
// per-image alignment decisions.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// ":memory:" databases exist per connection.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS batch_runs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT,
            pass TEXT NOT NULL,
            reference TEXT,
            threshold REAL NOT NULL,
            width INTEGER,
            height INTEGER,
            total INTEGER DEFAULT 0,
            accepted INTEGER DEFAULT 0,
            rejected INTEGER DEFAULT 0,
            output_path TEXT,
            started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS image_alignments (
            run_id INTEGER NOT NULL,
            image_index INTEGER NOT NULL,
            source_path TEXT,
            shift_x INTEGER NOT NULL,
            shift_y INTEGER NOT NULL,
            score REAL NOT NULL,
            accepted BOOLEAN NOT NULL,
            PRIMARY KEY (run_id, image_index)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_batch_runs_job_id ON batch_runs(job_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string     `json:"id"`
	JobType     string     `json:"job_type"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input_path"`
	OutputPath  string     `json:"output_path"`
	OptionsJSON string     `json:"options_json,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// BatchRun is one aligner pass: a reference, a threshold and a batch.
type BatchRun struct {
	ID          int64      `json:"id"`
	JobID       string     `json:"job_id"`
	Pass        string     `json:"pass"`
	Reference   string     `json:"reference"`
	Threshold   float64    `json:"threshold"`
	Width       int        `json:"width"`
	Height      int        `json:"height"`
	Total       int        `json:"total"`
	Accepted    int        `json:"accepted"`
	Rejected    int        `json:"rejected"`
	OutputPath  string     `json:"output_path,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Alignment is the decision made for one image of a pass.
type Alignment struct {
	RunID      int64   `json:"run_id"`
	Index      int     `json:"index"`
	SourcePath string  `json:"source_path,omitempty"`
	ShiftX     int     `json:"shift_x"`
	ShiftY     int     `json:"shift_y"`
	Score      float64 `json:"score"`
	Accepted   bool    `json:"accepted"`
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

const jobColumns = `id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (JobRecord, error) {
	var rec JobRecord
	var input, output, options, errorMsg sql.NullString
	var started, completed sql.NullTime
	if err := row.Scan(&rec.ID, &rec.JobType, &rec.Status, &input, &output, &options, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
		return JobRecord{}, err
	}
	rec.InputPath = input.String
	rec.OutputPath = output.String
	rec.OptionsJSON = options.String
	rec.Error = errorMsg.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.Query(`SELECT `+jobColumns+` FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Job fetches a single job. It returns sql.ErrNoRows for unknown ids.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, ErrNotInitialized
	}
	return scanJob(s.DB.QueryRow(`SELECT `+jobColumns+` FROM processing_jobs WHERE id=?;`, id))
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordBatchRun inserts a pass that is about to start and returns its id.
// A nil Store records nothing and returns 0.
func (s *Store) RecordBatchRun(run BatchRun) (int64, error) {
	if s == nil {
		return 0, nil
	}
	res, err := s.DB.Exec(`INSERT INTO batch_runs (job_id, pass, reference, threshold, width, height) VALUES (?, ?, ?, ?, ?, ?);`,
		run.JobID, run.Pass, run.Reference, run.Threshold, run.Width, run.Height)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FinishBatchRun stores the final statistics of a pass.
func (s *Store) FinishBatchRun(id int64, total, accepted, rejected int, outputPath string) error {
	if s == nil || id == 0 {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE batch_runs SET total=?, accepted=?, rejected=?, output_path=?, completed_at=CURRENT_TIMESTAMP WHERE id=?;`,
		total, accepted, rejected, outputPath, id)
	return err
}

// RecordAlignments stores per-image decisions of a pass in one transaction.
func (s *Store) RecordAlignments(runID int64, recs []Alignment) error {
	if s == nil || runID == 0 || len(recs) == 0 {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO image_alignments (run_id, image_index, source_path, shift_x, shift_y, score, accepted) VALUES (?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, r := range recs {
		if _, err := stmt.Exec(runID, r.Index, r.SourcePath, r.ShiftX, r.ShiftY, r.Score, r.Accepted); err != nil {
			tx.Rollback()
			return fmt.Errorf("image %d: %w", r.Index, err)
		}
	}
	return tx.Commit()
}

// BatchRuns lists the passes of a job in the order they were started.
func (s *Store) BatchRuns(jobID string) ([]BatchRun, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.Query(`SELECT id, job_id, pass, reference, threshold, width, height, total, accepted, rejected, output_path, started_at, completed_at FROM batch_runs WHERE job_id=? ORDER BY id;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []BatchRun
	for rows.Next() {
		var run BatchRun
		var jobIDCol, ref, output sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&run.ID, &jobIDCol, &run.Pass, &ref, &run.Threshold, &run.Width, &run.Height,
			&run.Total, &run.Accepted, &run.Rejected, &output, &run.StartedAt, &completed); err != nil {
			return nil, err
		}
		run.JobID = jobIDCol.String
		run.Reference = ref.String
		run.OutputPath = output.String
		if completed.Valid {
			run.CompletedAt = &completed.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Alignments lists the per-image decisions of a pass ordered by index.
func (s *Store) Alignments(runID int64) ([]Alignment, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.Query(`SELECT run_id, image_index, source_path, shift_x, shift_y, score, accepted FROM image_alignments WHERE run_id=? ORDER BY image_index;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Alignment
	for rows.Next() {
		var a Alignment
		var src sql.NullString
		if err := rows.Scan(&a.RunID, &a.Index, &src, &a.ShiftX, &a.ShiftY, &a.Score, &a.Accepted); err != nil {
			return nil, err
		}
		a.SourcePath = src.String
		out = append(out, a)
	}
	return out, rows.Err()
}
