package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // registers the "postgres" driver
	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
	"go.uber.org/zap"

	"github.com/isdmx/codegrader/grade"
)

// Drivers accepted by NewSQL. Both PostgreSQL drivers stay selectable:
// pgx is the default choice, while lib/pq sends unnamed prepared
// statements and so keeps working behind a transaction-pooling
// pgbouncer, where pgx's statement cache does not.
const (
	DriverPgx      = "pgx"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// admissionLockKey names the PostgreSQL advisory lock that serialises
// CreateQueued across every instance sharing the database.
const admissionLockKey int64 = 0x636f6465677261

var schema = []string{
	`CREATE TABLE IF NOT EXISTS grades (
		token TEXT PRIMARY KEY,
		source_code TEXT NOT NULL,
		language_id INTEGER NOT NULL,
		problem_id BIGINT,
		user_id TEXT,
		status_id INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		queued_at TIMESTAMP,
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		execution_host TEXT NOT NULL DEFAULT '',
		cpu_time DOUBLE PRECISION,
		wall_time DOUBLE PRECISION,
		memory BIGINT,
		exit_code INTEGER,
		exit_signal INTEGER,
		total_test_cases INTEGER NOT NULL DEFAULT 0,
		passed_test_cases INTEGER NOT NULL DEFAULT 0,
		constraints TEXT NOT NULL,
		stdin TEXT NOT NULL DEFAULT '',
		expected_output TEXT NOT NULL DEFAULT '',
		stdout TEXT NOT NULL DEFAULT '',
		stderr TEXT NOT NULL DEFAULT '',
		compile_output TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS grades_status_idx ON grades (status_id)`,
	`CREATE TABLE IF NOT EXISTS problems (
		id BIGINT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		constraints TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS test_cases (
		problem_id BIGINT NOT NULL,
		order_index INTEGER NOT NULL,
		input TEXT NOT NULL DEFAULT '',
		expected_output TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS test_cases_problem_idx ON test_cases (problem_id, order_index)`,
}

const gradeColumns = `token, source_code, language_id, problem_id, user_id, status_id,
	created_at, queued_at, started_at, finished_at, execution_host,
	cpu_time, wall_time, memory, exit_code, exit_signal,
	total_test_cases, passed_test_cases, constraints,
	stdin, expected_output, stdout, stderr, compile_output, message`

// gradeRow is the flat column layout of a grade.
type gradeRow struct {
	Token           string          `db:"token"`
	SourceCode      string          `db:"source_code"`
	LanguageID      int             `db:"language_id"`
	ProblemID       sql.NullInt64   `db:"problem_id"`
	UserID          sql.NullString  `db:"user_id"`
	StatusID        int             `db:"status_id"`
	CreatedAt       time.Time       `db:"created_at"`
	QueuedAt        sql.NullTime    `db:"queued_at"`
	StartedAt       sql.NullTime    `db:"started_at"`
	FinishedAt      sql.NullTime    `db:"finished_at"`
	ExecutionHost   string          `db:"execution_host"`
	CPUTime         sql.NullFloat64 `db:"cpu_time"`
	WallTime        sql.NullFloat64 `db:"wall_time"`
	Memory          sql.NullInt64   `db:"memory"`
	ExitCode        sql.NullInt64   `db:"exit_code"`
	ExitSignal      sql.NullInt64   `db:"exit_signal"`
	TotalTestCases  int             `db:"total_test_cases"`
	PassedTestCases int             `db:"passed_test_cases"`
	Constraints     string          `db:"constraints"`
	Stdin           string          `db:"stdin"`
	ExpectedOutput  string          `db:"expected_output"`
	Stdout          string          `db:"stdout"`
	Stderr          string          `db:"stderr"`
	CompileOutput   string          `db:"compile_output"`
	Message         string          `db:"message"`
}

type problemRow struct {
	ID          int64  `db:"id"`
	Title       string `db:"title"`
	Constraints string `db:"constraints"`
}

// SQL is a Store backed by PostgreSQL (pgx or lib/pq) or SQLite.
type SQL struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger
}

var _ Store = (*SQL)(nil)

// NewSQL opens the database and creates the schema when missing.
func NewSQL(ctx context.Context, logger *zap.Logger, driver, dsn string, maxOpenConns int) (*SQL, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if driver == DriverSQLite {
		// SQLite serialises writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	logger.Info("SQL store ready", zap.String("driver", driver))
	return &SQL{db: db, driver: driver, logger: logger}, nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}

func (s *SQL) CreateGrade(ctx context.Context, g *grade.Grade) error {
	return insertGrade(ctx, s.db, g)
}

func (s *SQL) CreateQueued(ctx context.Context, g *grade.Grade, limit int) error {
	if limit <= 0 {
		return s.CreateGrade(ctx, g)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin admission: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// SQLite runs on a single connection, so the transaction alone is
	// exclusive there.
	if s.driver != DriverSQLite {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, admissionLockKey); err != nil {
			return fmt.Errorf("failed to lock admission: %w", err)
		}
	}

	var queued int
	err = tx.GetContext(ctx, &queued, tx.Rebind(`SELECT COUNT(*) FROM grades WHERE status_id = ?`), int(grade.StatusInQueue))
	if err != nil {
		return fmt.Errorf("failed to count queued grades: %w", err)
	}
	if queued >= limit {
		return ErrCapacity
	}
	if err := insertGrade(ctx, tx, g); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit grade %s: %w", g.Token, err)
	}
	return nil
}

func insertGrade(ctx context.Context, db sqlx.ExtContext, g *grade.Grade) error {
	row, err := toRow(g)
	if err != nil {
		return err
	}
	var exists int
	err = sqlx.GetContext(ctx, db, &exists, db.Rebind(`SELECT COUNT(*) FROM grades WHERE token = ?`), g.Token)
	if err != nil {
		return fmt.Errorf("failed to check grade %s: %w", g.Token, err)
	}
	if exists > 0 {
		return ErrDuplicate
	}
	query := `INSERT INTO grades (` + gradeColumns + `) VALUES (
		:token, :source_code, :language_id, :problem_id, :user_id, :status_id,
		:created_at, :queued_at, :started_at, :finished_at, :execution_host,
		:cpu_time, :wall_time, :memory, :exit_code, :exit_signal,
		:total_test_cases, :passed_test_cases, :constraints,
		:stdin, :expected_output, :stdout, :stderr, :compile_output, :message)`
	if _, err := sqlx.NamedExecContext(ctx, db, query, row); err != nil {
		return fmt.Errorf("failed to insert grade %s: %w", g.Token, err)
	}
	return nil
}

func (s *SQL) GetGrade(ctx context.Context, token string) (*grade.Grade, error) {
	var row gradeRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+gradeColumns+` FROM grades WHERE token = ?`), token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load grade %s: %w", token, err)
	}
	return row.toGrade()
}

func (s *SQL) SaveGrade(ctx context.Context, g *grade.Grade) error {
	row, err := toRow(g)
	if err != nil {
		return err
	}
	terminal := terminalIDs()
	// A terminal row only accepts a write carrying the same status.
	query := `UPDATE grades SET
		source_code = :source_code, language_id = :language_id, problem_id = :problem_id,
		user_id = :user_id, status_id = :status_id, created_at = :created_at,
		queued_at = :queued_at, started_at = :started_at, finished_at = :finished_at,
		execution_host = :execution_host, cpu_time = :cpu_time, wall_time = :wall_time,
		memory = :memory, exit_code = :exit_code, exit_signal = :exit_signal,
		total_test_cases = :total_test_cases, passed_test_cases = :passed_test_cases,
		constraints = :constraints, stdin = :stdin, expected_output = :expected_output,
		stdout = :stdout, stderr = :stderr, compile_output = :compile_output, message = :message
		WHERE token = :token AND (status_id = :status_id OR status_id NOT IN (` + terminal + `))`
	res, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("failed to save grade %s: %w", g.Token, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save grade %s: %w", g.Token, err)
	}
	if n == 0 {
		if _, err := s.GetGrade(ctx, g.Token); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *SQL) ClaimGrade(ctx context.Context, token, host string, at time.Time) (*grade.Grade, error) {
	query := s.db.Rebind(`UPDATE grades SET status_id = ?, started_at = ?, execution_host = ?
		WHERE token = ? AND status_id = ?`)
	res, err := s.db.ExecContext(ctx, query,
		int(grade.StatusProcessing), at.UTC(), host, token, int(grade.StatusInQueue))
	if err != nil {
		return nil, fmt.Errorf("failed to claim grade %s: %w", token, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to claim grade %s: %w", token, err)
	}
	if n == 0 {
		if _, err := s.GetGrade(ctx, token); err != nil {
			return nil, err
		}
		return nil, ErrConflict
	}
	return s.GetGrade(ctx, token)
}

func (s *SQL) DeleteGrade(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM grades WHERE token = ?`), token)
	if err != nil {
		return fmt.Errorf("failed to delete grade %s: %w", token, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQL) ListGrades(ctx context.Context, f Filter, p Page) ([]*grade.Grade, int, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID == nil {
		where = append(where, "user_id IS NULL")
	} else {
		where = append(where, "user_id = ?")
		args = append(args, *f.UserID)
	}
	if f.ProblemID != nil {
		where = append(where, "problem_id = ?")
		args = append(args, *f.ProblemID)
	}
	cond := " WHERE " + strings.Join(where, " AND ")

	var total int
	if err := s.db.GetContext(ctx, &total, s.db.Rebind(`SELECT COUNT(*) FROM grades`+cond), args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count grades: %w", err)
	}

	query := `SELECT ` + gradeColumns + ` FROM grades` + cond + ` ORDER BY created_at DESC, token ASC`
	if p.PerPage > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, p.PerPage, p.Offset())
	}
	var rows []gradeRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list grades: %w", err)
	}
	out := make([]*grade.Grade, 0, len(rows))
	for i := range rows {
		g, err := rows[i].toGrade()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, g)
	}
	return out, total, nil
}

func (s *SQL) CountByStatus(ctx context.Context, st grade.Status) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM grades WHERE status_id = ?`), int(st))
	if err != nil {
		return 0, fmt.Errorf("failed to count grades: %w", err)
	}
	return n, nil
}

func (s *SQL) TokensByStatus(ctx context.Context, st grade.Status) ([]string, error) {
	var tokens []string
	err := s.db.SelectContext(ctx, &tokens,
		s.db.Rebind(`SELECT token FROM grades WHERE status_id = ? ORDER BY token`), int(st))
	if err != nil {
		return nil, fmt.Errorf("failed to list grade tokens: %w", err)
	}
	return tokens, nil
}

func (s *SQL) GetProblem(ctx context.Context, id int64) (*grade.Problem, error) {
	var row problemRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT id, title, constraints FROM problems WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProblemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load problem %d: %w", id, err)
	}
	p := &grade.Problem{ID: row.ID, Title: row.Title}
	if err := json.Unmarshal([]byte(row.Constraints), &p.Constraints); err != nil {
		return nil, fmt.Errorf("corrupt constraints for problem %d: %w", id, err)
	}
	if p.TestCases, err = s.testCases(ctx, id); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQL) TestCases(ctx context.Context, problemID int64) ([]grade.TestCase, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM problems WHERE id = ?`), problemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load problem %d: %w", problemID, err)
	}
	if n == 0 {
		return nil, ErrProblemNotFound
	}
	return s.testCases(ctx, problemID)
}

func (s *SQL) testCases(ctx context.Context, problemID int64) ([]grade.TestCase, error) {
	var cases []grade.TestCase
	err := s.db.SelectContext(ctx, &cases, s.db.Rebind(`SELECT problem_id, order_index, input, expected_output
		FROM test_cases WHERE problem_id = ? ORDER BY order_index`), problemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load test cases for problem %d: %w", problemID, err)
	}
	return cases, nil
}

func (s *SQL) PutProblem(ctx context.Context, p *grade.Problem) error {
	constraints, err := json.Marshal(p.Constraints)
	if err != nil {
		return fmt.Errorf("failed to encode constraints: %w", err)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []struct {
		query string
		args  []any
	}{
		{`DELETE FROM test_cases WHERE problem_id = ?`, []any{p.ID}},
		{`DELETE FROM problems WHERE id = ?`, []any{p.ID}},
		{`INSERT INTO problems (id, title, constraints) VALUES (?, ?, ?)`, []any{p.ID, p.Title, string(constraints)}},
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, tx.Rebind(st.query), st.args...); err != nil {
			return fmt.Errorf("failed to store problem %d: %w", p.ID, err)
		}
	}
	insert := tx.Rebind(`INSERT INTO test_cases (problem_id, order_index, input, expected_output) VALUES (?, ?, ?, ?)`)
	for _, tc := range p.TestCases {
		if _, err := tx.ExecContext(ctx, insert, p.ID, tc.OrderIndex, tc.Input, tc.ExpectedOutput); err != nil {
			return fmt.Errorf("failed to store test case %d of problem %d: %w", tc.OrderIndex, p.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit problem %d: %w", p.ID, err)
	}
	return nil
}

func terminalIDs() string {
	var ids []string
	for _, st := range grade.AllStatuses() {
		if st.IsTerminal() {
			ids = append(ids, fmt.Sprint(int(st)))
		}
	}
	return strings.Join(ids, ", ")
}

func toRow(g *grade.Grade) (*gradeRow, error) {
	constraints, err := json.Marshal(g.Constraints)
	if err != nil {
		return nil, fmt.Errorf("failed to encode constraints: %w", err)
	}
	row := &gradeRow{
		Token:           g.Token,
		SourceCode:      g.SourceCode,
		LanguageID:      g.LanguageID,
		StatusID:        int(g.Status),
		CreatedAt:       g.CreatedAt.UTC(),
		QueuedAt:        nullTime(g.QueuedAt),
		StartedAt:       nullTime(g.StartedAt),
		FinishedAt:      nullTime(g.FinishedAt),
		ExecutionHost:   g.ExecutionHost,
		TotalTestCases:  g.TotalTestCases,
		PassedTestCases: g.PassedTestCases,
		Constraints:     string(constraints),
		Stdin:           g.Stdin,
		ExpectedOutput:  g.ExpectedOutput,
		Stdout:          g.Stdout,
		Stderr:          g.Stderr,
		CompileOutput:   g.CompileOutput,
		Message:         g.Message,
	}
	if g.ProblemID != nil {
		row.ProblemID = sql.NullInt64{Int64: *g.ProblemID, Valid: true}
	}
	if g.UserID != nil {
		row.UserID = sql.NullString{String: *g.UserID, Valid: true}
	}
	if g.Time != nil {
		row.CPUTime = sql.NullFloat64{Float64: *g.Time, Valid: true}
	}
	if g.WallTime != nil {
		row.WallTime = sql.NullFloat64{Float64: *g.WallTime, Valid: true}
	}
	if g.Memory != nil {
		row.Memory = sql.NullInt64{Int64: *g.Memory, Valid: true}
	}
	if g.ExitCode != nil {
		row.ExitCode = sql.NullInt64{Int64: int64(*g.ExitCode), Valid: true}
	}
	if g.ExitSignal != nil {
		row.ExitSignal = sql.NullInt64{Int64: int64(*g.ExitSignal), Valid: true}
	}
	return row, nil
}

func (r *gradeRow) toGrade() (*grade.Grade, error) {
	g := &grade.Grade{
		Token:           r.Token,
		SourceCode:      r.SourceCode,
		LanguageID:      r.LanguageID,
		Status:          grade.Status(r.StatusID),
		CreatedAt:       r.CreatedAt,
		QueuedAt:        timePtr(r.QueuedAt),
		StartedAt:       timePtr(r.StartedAt),
		FinishedAt:      timePtr(r.FinishedAt),
		ExecutionHost:   r.ExecutionHost,
		TotalTestCases:  r.TotalTestCases,
		PassedTestCases: r.PassedTestCases,
	}
	if err := json.Unmarshal([]byte(r.Constraints), &g.Constraints); err != nil {
		return nil, fmt.Errorf("corrupt constraints for grade %s: %w", r.Token, err)
	}
	g.ExecutionResult = grade.ExecutionResult{
		Stdin:          r.Stdin,
		ExpectedOutput: r.ExpectedOutput,
		Stdout:         r.Stdout,
		Stderr:         r.Stderr,
		CompileOutput:  r.CompileOutput,
		Message:        r.Message,
	}
	if r.ProblemID.Valid {
		g.ProblemID = grade.Ptr(r.ProblemID.Int64)
	}
	if r.UserID.Valid {
		g.UserID = grade.Ptr(r.UserID.String)
	}
	if r.CPUTime.Valid {
		g.Time = grade.Ptr(r.CPUTime.Float64)
	}
	if r.WallTime.Valid {
		g.WallTime = grade.Ptr(r.WallTime.Float64)
	}
	if r.Memory.Valid {
		g.Memory = grade.Ptr(r.Memory.Int64)
	}
	if r.ExitCode.Valid {
		g.ExitCode = grade.Ptr(int(r.ExitCode.Int64))
	}
	if r.ExitSignal.Valid {
		g.ExitSignal = grade.Ptr(int(r.ExitSignal.Int64))
	}
	return g, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
