package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mpataki/cirun/internal/models"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// concurrent runs in one process share the file; serialise writers
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP,
		workflow_name TEXT NOT NULL,
		workflow_path TEXT NOT NULL DEFAULT '',
		event_kind TEXT NOT NULL,
		branch TEXT NOT NULL DEFAULT '',
		ref TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		revision TEXT NOT NULL DEFAULT '',
		group_key TEXT NOT NULL DEFAULT '',
		workspace_path TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		current_step TEXT,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS step_executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id),
		sequence_num INTEGER NOT NULL,
		step_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		exit_code INTEGER,
		pid INTEGER,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		log_path TEXT,
		error TEXT,
		UNIQUE(run_id, sequence_num)
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id),
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		producer TEXT NOT NULL DEFAULT '',
		uploaded INTEGER NOT NULL DEFAULT 0,
		UNIQUE(run_id, path)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_group ON runs(group_key);
	CREATE INDEX IF NOT EXISTS idx_steps_run ON step_executions(run_id);
	CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

const runColumns = `id, created_at, completed_at, workflow_name, workflow_path, event_kind, branch, ref,
	action, revision, group_key, workspace_path, status, current_step, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.Run, error) {
	var run models.Run
	var completedAt sql.NullTime
	var currentStep, runErr sql.NullString

	err := row.Scan(
		&run.ID, &run.CreatedAt, &completedAt, &run.WorkflowName, &run.WorkflowPath,
		&run.EventKind, &run.Branch, &run.Ref, &run.Action, &run.Revision,
		&run.GroupKey, &run.WorkspacePath, &run.Status, &currentStep, &runErr,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if currentStep.Valid {
		run.CurrentStep = currentStep.String
	}
	if runErr.Valid {
		run.Error = runErr.String
	}

	return &run, nil
}

func (s *Storage) CreateRun(run *models.Run) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO runs (workflow_name, workflow_path, event_kind, branch, ref, action, revision,
			group_key, workspace_path, status, current_step, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.WorkflowName, run.WorkflowPath, run.EventKind, run.Branch, run.Ref, run.Action, run.Revision,
		run.GroupKey, run.WorkspacePath, run.Status, run.CurrentStep, run.Error,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) GetRun(id int64) (*models.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	return run, err
}

// UpdateRun writes run back. A row already canceled keeps its status,
// error and completion time.
func (s *Storage) UpdateRun(run *models.Run) error {
	_, err := s.db.Exec(
		`UPDATE runs SET
			completed_at = CASE WHEN status = ? THEN completed_at ELSE ? END,
			status = CASE WHEN status = ? THEN status ELSE ? END,
			error = CASE WHEN status = ? THEN error ELSE ? END,
			current_step = ?, workspace_path = ?, group_key = ?, revision = ?
		 WHERE id = ?`,
		models.RunStatusCanceled, run.CompletedAt,
		models.RunStatusCanceled, run.Status,
		models.RunStatusCanceled, run.Error,
		run.CurrentStep, run.WorkspacePath, run.GroupKey, run.Revision, run.ID,
	)
	return err
}

// CancelRunIfActive marks a pending or running run canceled. It reports
// whether the row changed, so two cancelers cannot both claim it.
func (s *Storage) CancelRunIfActive(id int64, reason string) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE runs SET status = ?, error = ?, completed_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status IN (?, ?)`,
		models.RunStatusCanceled, reason, id, models.RunStatusPending, models.RunStatusRunning,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (s *Storage) GetRunStatus(id int64) (models.RunStatus, error) {
	var status models.RunStatus
	err := s.db.QueryRow(`SELECT status FROM runs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	return status, err
}

func (s *Storage) ListRuns(limit int) ([]*models.Run, error) {
	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// ActiveRunsInGroup lists pending and running runs for a concurrency
// group, oldest first.
func (s *Storage) ActiveRunsInGroup(groupKey string) ([]*models.Run, error) {
	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM runs WHERE group_key = ? AND status IN (?, ?) ORDER BY id`,
		groupKey, models.RunStatusPending, models.RunStatusRunning,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func (s *Storage) CreateStepExecution(step *models.StepExecution) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO step_executions (run_id, sequence_num, step_name, kind, status, exit_code, pid,
			started_at, completed_at, log_path, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.RunID, step.SequenceNum, step.StepName, step.Kind, step.Status, step.ExitCode, step.PID,
		step.StartedAt, step.CompletedAt, step.LogPath, step.Error,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) GetStepExecutionsForRun(runID int64) ([]*models.StepExecution, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, sequence_num, step_name, kind, status, exit_code, pid, started_at,
			completed_at, log_path, error
		 FROM step_executions WHERE run_id = ? ORDER BY sequence_num`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*models.StepExecution
	for rows.Next() {
		var step models.StepExecution
		var exitCode, pid sql.NullInt64
		var startedAt, completedAt sql.NullTime
		var logPath, stepErr sql.NullString

		err := rows.Scan(
			&step.ID, &step.RunID, &step.SequenceNum, &step.StepName, &step.Kind, &step.Status,
			&exitCode, &pid, &startedAt, &completedAt, &logPath, &stepErr,
		)
		if err != nil {
			return nil, err
		}

		if exitCode.Valid {
			code := int(exitCode.Int64)
			step.ExitCode = &code
		}
		if pid.Valid {
			p := int(pid.Int64)
			step.PID = &p
		}
		if startedAt.Valid {
			step.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			step.CompletedAt = &completedAt.Time
		}
		if logPath.Valid {
			step.LogPath = logPath.String
		}
		if stepErr.Valid {
			step.Error = stepErr.String
		}

		steps = append(steps, &step)
	}

	return steps, rows.Err()
}

func (s *Storage) GetRunningStepForRun(runID int64) (*models.StepExecution, error) {
	steps, err := s.GetStepExecutionsForRun(runID)
	if err != nil {
		return nil, err
	}
	for _, step := range steps {
		if step.Status == models.StepStatusRunning {
			return step, nil
		}
	}
	return nil, nil
}

func (s *Storage) UpdateStepPID(stepID int64, pid int) error {
	_, err := s.db.Exec(`UPDATE step_executions SET pid = ? WHERE id = ?`, pid, stepID)
	return err
}

func (s *Storage) UpdateStepExecution(step *models.StepExecution) error {
	_, err := s.db.Exec(
		`UPDATE step_executions SET status = ?, exit_code = ?, started_at = ?, completed_at = ?,
			log_path = ?, error = ?
		 WHERE id = ?`,
		step.Status, step.ExitCode, step.StartedAt, step.CompletedAt, step.LogPath, step.Error, step.ID,
	)
	return err
}

func (s *Storage) CreateArtifact(runID int64, a *models.Artifact) error {
	_, err := s.db.Exec(
		`INSERT INTO artifacts (run_id, name, path, producer, uploaded) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, path) DO UPDATE SET producer = excluded.producer`,
		runID, a.Name, a.Path, a.Producer, a.Uploaded,
	)
	return err
}

func (s *Storage) MarkArtifactUploaded(runID int64, path string) error {
	_, err := s.db.Exec(`UPDATE artifacts SET uploaded = 1 WHERE run_id = ? AND path = ?`, runID, path)
	return err
}

func (s *Storage) GetArtifactsForRun(runID int64) ([]*models.Artifact, error) {
	rows, err := s.db.Query(
		`SELECT name, path, producer, uploaded FROM artifacts WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*models.Artifact
	for rows.Next() {
		var a models.Artifact
		if err := rows.Scan(&a.Name, &a.Path, &a.Producer, &a.Uploaded); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}

func (s *Storage) DeleteRun(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM artifacts WHERE run_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM step_executions WHERE run_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}
