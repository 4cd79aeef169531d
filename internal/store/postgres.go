package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const projectColumns = `
	id, user_id, user_name, title, description, status,
	tasks, task_report, last_downloaded_at, certificate,
	program_info, solution_info, created_at, updated_at, updated_by
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (Project, error) {
	var (
		p            Project
		tasksJSON    []byte
		reportJSON   []byte
		certJSON     []byte
		programJSON  []byte
		solutionJSON []byte
	)
	err := row.Scan(
		&p.ID, &p.UserID, &p.UserName, &p.Title, &p.Description, &p.Status,
		&tasksJSON, &reportJSON, &p.LastDownloadedAt, &certJSON,
		&programJSON, &solutionJSON, &p.CreatedAt, &p.UpdatedAt, &p.UpdatedBy,
	)
	if err != nil {
		return Project{}, err
	}
	if err := json.Unmarshal(tasksJSON, &p.Tasks); err != nil {
		return Project{}, fmt.Errorf("decode tasks: %w", err)
	}
	if err := json.Unmarshal(reportJSON, &p.TaskReport); err != nil {
		return Project{}, fmt.Errorf("decode task report: %w", err)
	}
	if err := json.Unmarshal(certJSON, &p.Certificate); err != nil {
		return Project{}, fmt.Errorf("decode certificate: %w", err)
	}
	if err := json.Unmarshal(programJSON, &p.ProgramInfo); err != nil {
		return Project{}, fmt.Errorf("decode program info: %w", err)
	}
	if err := json.Unmarshal(solutionJSON, &p.SolutionInfo); err != nil {
		return Project{}, fmt.Errorf("decode solution info: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, p Project) error {
	tasksJSON, err := json.Marshal(p.Tasks)
	if err != nil {
		return fmt.Errorf("encode tasks: %w", err)
	}
	reportJSON, err := json.Marshal(p.TaskReport)
	if err != nil {
		return fmt.Errorf("encode task report: %w", err)
	}
	certJSON, err := json.Marshal(p.Certificate)
	if err != nil {
		return fmt.Errorf("encode certificate: %w", err)
	}
	programJSON, err := json.Marshal(p.ProgramInfo)
	if err != nil {
		return fmt.Errorf("encode program info: %w", err)
	}
	solutionJSON, err := json.Marshal(p.SolutionInfo)
	if err != nil {
		return fmt.Errorf("encode solution info: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (
			id, user_id, user_name, title, description, status,
			tasks, task_report, last_downloaded_at, certificate,
			program_info, solution_info, created_at, updated_at, updated_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, p.ID, p.UserID, p.UserName, p.Title, p.Description, p.Status,
		tasksJSON, reportJSON, p.LastDownloadedAt, certJSON,
		programJSON, solutionJSON, p.CreatedAt, p.UpdatedAt, p.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID, userID string) (Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id=$1 AND user_id=$2`,
		projectID, userID)
	return scanProject(row)
}

func (s *PostgresStore) GetProjectByID(ctx context.Context, projectID string) (Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id=$1`, projectID)
	return scanProject(row)
}

// GetProjectByTransactionID resolves the project owning an issuance.
// The transaction id is the only handle a renderer callback carries.
func (s *PostgresStore) GetProjectByTransactionID(ctx context.Context, transactionID string) (Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+projectColumns+` FROM projects
		WHERE certificate->>'transactionId' = $1
	`, transactionID)
	return scanProject(row)
}

// SyncUpdate carries every field a successful sync writes. The update
// is applied as a single statement so a sync is all-or-nothing.
type SyncUpdate struct {
	ProjectID   string
	Title       string
	Description string
	Status      string
	Tasks       []Task
	TaskReport  TaskReport
	UpdatedBy   string
	UpdatedAt   time.Time
}

func (s *PostgresStore) UpdateProjectSync(ctx context.Context, u SyncUpdate) error {
	tasksJSON, err := json.Marshal(u.Tasks)
	if err != nil {
		return fmt.Errorf("encode tasks: %w", err)
	}
	reportJSON, err := json.Marshal(u.TaskReport)
	if err != nil {
		return fmt.Errorf("encode task report: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET title=$2, description=$3, status=$4, tasks=$5, task_report=$6,
			updated_at=$7, updated_by=$8
		WHERE id=$1
	`, u.ProjectID, u.Title, u.Description, u.Status, tasksJSON, reportJSON,
		u.UpdatedAt, u.UpdatedBy)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// TouchLastDownloaded stamps the sync token handed to the client on a
// project download.
func (s *PostgresStore) TouchLastDownloaded(ctx context.Context, projectID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET last_downloaded_at=$2 WHERE id=$1`, projectID, at)
	if err != nil {
		return fmt.Errorf("touch last downloaded: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCertificate(ctx context.Context, projectID string, cert Certificate, updatedBy string) error {
	certJSON, err := json.Marshal(cert)
	if err != nil {
		return fmt.Errorf("encode certificate: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects SET certificate=$2, updated_at=NOW(), updated_by=$3
		WHERE id=$1
	`, projectID, certJSON, updatedBy)
	if err != nil {
		return fmt.Errorf("update certificate: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CASCertificate applies a certificate transition only while the stored
// document still carries the given transaction id in the expected
// status. At-least-once callback delivery makes the plain update racy;
// the compare-and-swap keeps a duplicate from re-running a transition.
func (s *PostgresStore) CASCertificate(ctx context.Context, transactionID, expectedStatus string, cert Certificate) (bool, error) {
	certJSON, err := json.Marshal(cert)
	if err != nil {
		return false, fmt.Errorf("encode certificate: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects SET certificate=$3, updated_at=NOW()
		WHERE certificate->>'transactionId' = $1
			AND certificate->>'status' = $2
	`, transactionID, expectedStatus, certJSON)
	if err != nil {
		return false, fmt.Errorf("cas certificate: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas certificate rows: %w", err)
	}
	return affected > 0, nil
}
