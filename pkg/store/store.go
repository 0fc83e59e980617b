package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Register SQLite driver

	"github.com/yourusername/social-report-exporter/pkg/model"
)

// ErrNotFound is returned when a schedule or run does not exist
var ErrNotFound = errors.New("not found")

const sqliteTime = "2006-01-02 15:04:05"

// parseTimestamp parses a timestamp string from SQLite, handling multiple formats
// Formats supported:
// - "2006-01-02 15:04:05" (UTC, no timezone)
// - "2006-01-02 15:04:05 +0300 EEST" (with timezone)
// - "2006-01-02 15:04:05 +0000 UTC" (UTC with explicit timezone)
func (s *Store) parseTimestamp(v string) *time.Time {
	if v == "" {
		return nil
	}

	formats := []string{
		sqliteTime,                      // SQLite standard format (UTC assumed)
		"2006-01-02 15:04:05 -0700 MST", // With timezone offset and name
		"2006-01-02 15:04:05 -0700",     // With timezone offset only
		time.RFC3339,                    // ISO 8601
	}

	for _, format := range formats {
		if t, err := time.Parse(format, v); err == nil {
			return &t
		}
	}

	s.log.Warn().Str("value", v).Msg("failed to parse timestamp")
	return nil
}

func formatTimestamp(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(sqliteTime)
}

// Store handles database operations
type Store struct {
	db         *sql.DB
	writeQueue *writeQueue
	log        zerolog.Logger
}

// NewStore creates a new store instance
func NewStore(dbPath string, log zerolog.Logger) (*Store, error) {
	log = log.With().Str("component", "store").Logger()

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode to allow concurrent readers and single writer
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Retry on lock contention
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports single writer
	db.SetMaxIdleConns(1)

	log.Debug().Str("path", dbPath).Msg("sqlite configured: WAL mode, busy_timeout=5000ms, single writer connection")

	store := &Store{db: db, log: log}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	store.writeQueue = newWriteQueue(store)
	return store, nil
}

// migrate runs database migrations
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS schedules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			account_id TEXT NOT NULL,
			account_name TEXT,
			range_days INTEGER NOT NULL DEFAULT 0,
			theme TEXT NOT NULL DEFAULT 'light',
			format TEXT NOT NULL DEFAULT 'pdf',
			interval_type TEXT NOT NULL,
			cron_expr TEXT,
			timezone TEXT NOT NULL,
			recipients TEXT NOT NULL,
			email_subject TEXT NOT NULL,
			email_body TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at DATETIME,
			next_run_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_account_id ON schedules(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_enabled ON schedules(enabled)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run_at ON schedules(next_run_at)`,
		`CREATE TABLE IF NOT EXISTS export_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			export_id TEXT NOT NULL UNIQUE,
			schedule_id INTEGER,
			account_id TEXT NOT NULL,
			format TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			status TEXT NOT NULL,
			error_text TEXT,
			null_captures TEXT,
			retrieval_url TEXT,
			archive_url TEXT,
			bytes INTEGER NOT NULL DEFAULT 0,
			checksum TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (schedule_id) REFERENCES schedules(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_export_runs_schedule_id ON export_runs(schedule_id)`,
		`CREATE INDEX IF NOT EXISTS idx_export_runs_account_id ON export_runs(account_id)`,
		`CREATE TABLE IF NOT EXISTS settings (
			id INTEGER PRIMARY KEY,
			smtp_config TEXT,
			renderer_config TEXT NOT NULL,
			limits TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		// Migration: Populate cron_expr for existing schedules based on interval_type
		`UPDATE schedules
		 SET cron_expr = CASE
			WHEN interval_type = 'daily' THEN '0 0 * * *'
			WHEN interval_type = 'weekly' THEN '0 0 * * 1'
			WHEN interval_type = 'monthly' THEN '0 0 1 * *'
			ELSE '0 0 * * *'
		 END
		 WHERE cron_expr IS NULL OR cron_expr = ''`,
		// Migration: email delivery status of scheduled runs
		`ALTER TABLE export_runs ADD COLUMN email_sent INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE export_runs ADD COLUMN email_error TEXT`,
		// Migration: keep generated PDFs in the database
		`ALTER TABLE export_runs ADD COLUMN artifact_data BLOB`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			// Ignore "duplicate column" errors - column already exists
			if !strings.Contains(err.Error(), "duplicate column name") {
				return fmt.Errorf("migration failed: %w", err)
			}
			s.log.Debug().Err(err).Msg("migration already applied")
		}
	}

	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const scheduleColumns = `id, name, account_id, account_name, range_days, theme, format,
	interval_type, cron_expr, timezone, recipients, email_subject, email_body,
	enabled, last_run_at, next_run_at, created_at, updated_at`

func (s *Store) scanSchedule(row rowScanner) (*model.Schedule, error) {
	schedule := &model.Schedule{}
	var accountName, cronExpr, lastRunAtStr, nextRunAtStr sql.NullString

	err := row.Scan(
		&schedule.ID, &schedule.Name, &schedule.AccountID, &accountName, &schedule.RangeDays,
		&schedule.Theme, &schedule.Format, &schedule.IntervalType, &cronExpr, &schedule.Timezone,
		&schedule.Recipients, &schedule.EmailSubject, &schedule.EmailBody, &schedule.Enabled,
		&lastRunAtStr, &nextRunAtStr, &schedule.CreatedAt, &schedule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	schedule.AccountName = accountName.String
	schedule.CronExpr = cronExpr.String
	if lastRunAtStr.Valid {
		schedule.LastRunAt = s.parseTimestamp(lastRunAtStr.String)
	}
	if nextRunAtStr.Valid {
		schedule.NextRunAt = s.parseTimestamp(nextRunAtStr.String)
	}
	return schedule, nil
}

func (s *Store) querySchedules(query string, args ...interface{}) ([]*model.Schedule, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	schedules := make([]*model.Schedule, 0)
	for rows.Next() {
		schedule, err := s.scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	return schedules, rows.Err()
}

// CreateSchedule creates a new schedule (queued for serialized execution)
func (s *Store) CreateSchedule(schedule *model.Schedule) error {
	return s.writeQueue.enqueue(opCreateSchedule, schedule)
}

// createScheduleDirect creates a new schedule (direct database access, called by write queue)
func (s *Store) createScheduleDirect(schedule *model.Schedule) error {
	now := time.Now()
	schedule.CreatedAt = now
	schedule.UpdatedAt = now
	if schedule.Theme == "" {
		schedule.Theme = model.ThemeLight
	}

	result, err := s.db.Exec(`
		INSERT INTO schedules (
			name, account_id, account_name, range_days, theme, format,
			interval_type, cron_expr, timezone, recipients, email_subject, email_body,
			enabled, last_run_at, next_run_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		schedule.Name, schedule.AccountID, schedule.AccountName, schedule.RangeDays,
		schedule.Theme, schedule.Format, schedule.IntervalType, schedule.CronExpr,
		schedule.Timezone, schedule.Recipients, schedule.EmailSubject, schedule.EmailBody,
		schedule.Enabled, formatTimestamp(schedule.LastRunAt), formatTimestamp(schedule.NextRunAt), now, now,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	schedule.ID = id
	return nil
}

// GetSchedule retrieves a schedule by ID
func (s *Store) GetSchedule(id int64) (*model.Schedule, error) {
	schedule, err := s.scanSchedule(s.db.QueryRow(
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	return schedule, err
}

// ListSchedules retrieves all schedules, newest first
func (s *Store) ListSchedules() ([]*model.Schedule, error) {
	return s.querySchedules(`SELECT ` + scheduleColumns + ` FROM schedules ORDER BY created_at DESC, id DESC`)
}

// UpdateSchedule updates an existing schedule (queued for serialized execution)
func (s *Store) UpdateSchedule(schedule *model.Schedule) error {
	return s.writeQueue.enqueue(opUpdateSchedule, schedule)
}

// updateScheduleDirect updates an existing schedule (direct database access, called by write queue)
func (s *Store) updateScheduleDirect(schedule *model.Schedule) error {
	schedule.UpdatedAt = time.Now()

	result, err := s.db.Exec(`
		UPDATE schedules SET
			name = ?, account_id = ?, account_name = ?, range_days = ?, theme = ?, format = ?,
			interval_type = ?, cron_expr = ?, timezone = ?, recipients = ?,
			email_subject = ?, email_body = ?, enabled = ?,
			last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		schedule.Name, schedule.AccountID, schedule.AccountName, schedule.RangeDays,
		schedule.Theme, schedule.Format, schedule.IntervalType, schedule.CronExpr,
		schedule.Timezone, schedule.Recipients, schedule.EmailSubject, schedule.EmailBody,
		schedule.Enabled, formatTimestamp(schedule.LastRunAt), formatTimestamp(schedule.NextRunAt),
		schedule.UpdatedAt, schedule.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %d: %w", schedule.ID, ErrNotFound)
	}
	return nil
}

// DeleteSchedule deletes a schedule and its runs (queued for serialized execution)
func (s *Store) DeleteSchedule(id int64) error {
	return s.writeQueue.enqueue(opDeleteSchedule, id)
}

// deleteScheduleDirect deletes a schedule (direct database access, called by write queue)
func (s *Store) deleteScheduleDirect(id int64) error {
	_, err := s.db.Exec("DELETE FROM schedules WHERE id = ?", id)
	return err
}

// GetDueSchedules retrieves enabled schedules whose next run is due at now
func (s *Store) GetDueSchedules(now time.Time) ([]*model.Schedule, error) {
	schedules, err := s.querySchedules(`
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE enabled = 1 AND (next_run_at IS NULL OR datetime(next_run_at) <= datetime(?))
		ORDER BY next_run_at ASC`,
		now.UTC().Format(sqliteTime),
	)
	if err != nil {
		return nil, err
	}
	s.log.Debug().Time("now", now).Int("due", len(schedules)).Msg("due schedules")
	return schedules, nil
}

// CreateExportRun creates a new run record (queued for serialized execution)
func (s *Store) CreateExportRun(run *model.ExportRun) error {
	return s.writeQueue.enqueue(opCreateRun, run)
}

// createRunDirect creates a new run record (direct database access, called by write queue)
func (s *Store) createRunDirect(run *model.ExportRun) error {
	run.CreatedAt = time.Now()

	result, err := s.db.Exec(`
		INSERT INTO export_runs (export_id, schedule_id, account_id, format, started_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ExportID, run.ScheduleID, run.AccountID, run.Format, run.StartedAt, run.Status, run.CreatedAt,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	run.ID = id
	return nil
}

// UpdateExportRun updates a run record (queued for serialized execution)
func (s *Store) UpdateExportRun(run *model.ExportRun) error {
	return s.writeQueue.enqueue(opUpdateRun, run)
}

// updateRunDirect updates a run record (direct database access, called by write queue)
func (s *Store) updateRunDirect(run *model.ExportRun) error {
	_, err := s.db.Exec(`
		UPDATE export_runs SET
			finished_at = ?, status = ?, error_text = ?, null_captures = ?, retrieval_url = ?,
			archive_url = ?, artifact_data = ?, bytes = ?, checksum = ?, email_sent = ?, email_error = ?
		WHERE id = ?`,
		run.FinishedAt, run.Status, run.ErrorText, run.NullCaptures, run.RetrievalURL,
		run.ArchiveURL, run.ArtifactData, run.Bytes, run.Checksum, run.EmailSent, run.EmailError, run.ID,
	)
	return err
}

const runColumns = `id, export_id, schedule_id, account_id, format, started_at, finished_at, status,
	error_text, null_captures, retrieval_url, archive_url, bytes, checksum, email_sent, email_error, created_at`

func scanRun(row rowScanner, extra ...interface{}) (*model.ExportRun, error) {
	run := &model.ExportRun{}
	var scheduleID sql.NullInt64
	var finishedAt sql.NullTime
	var errorText, retrievalURL, archiveURL, checksum, emailError sql.NullString

	dest := []interface{}{
		&run.ID, &run.ExportID, &scheduleID, &run.AccountID, &run.Format, &run.StartedAt,
		&finishedAt, &run.Status, &errorText, &run.NullCaptures, &retrievalURL, &archiveURL,
		&run.Bytes, &checksum, &run.EmailSent, &emailError, &run.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	// Convert nullable fields
	if scheduleID.Valid {
		run.ScheduleID = &scheduleID.Int64
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	run.ErrorText = errorText.String
	run.RetrievalURL = retrievalURL.String
	run.ArchiveURL = archiveURL.String
	run.Checksum = checksum.String
	run.EmailError = emailError.String
	return run, nil
}

// GetExportRun retrieves a run by ID, including its artifact
func (s *Store) GetExportRun(id int64) (*model.ExportRun, error) {
	var artifactData []byte
	run, err := scanRun(s.db.QueryRow(
		`SELECT `+runColumns+`, artifact_data FROM export_runs WHERE id = ?`, id,
	), &artifactData)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if len(artifactData) > 0 {
		run.ArtifactData = artifactData
	}
	return run, nil
}

// ListExportRuns retrieves the latest runs, optionally for one schedule. Artifacts are not loaded.
func (s *Store) ListExportRuns(scheduleID *int64, limit int) ([]*model.ExportRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT ` + runColumns + ` FROM export_runs`
	args := []interface{}{}
	if scheduleID != nil {
		query += ` WHERE schedule_id = ?`
		args = append(args, *scheduleID)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]*model.ExportRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// PruneExportRuns deletes runs started before cutoff (queued for serialized execution)
func (s *Store) PruneExportRuns(cutoff time.Time) (int64, error) {
	params := &pruneParams{cutoff: cutoff}
	err := s.writeQueue.enqueue(opPruneRuns, params)
	return params.deleted, err
}

func (s *Store) pruneRunsDirect(params *pruneParams) error {
	result, err := s.db.Exec(`DELETE FROM export_runs WHERE started_at < ?`, params.cutoff)
	if err != nil {
		return err
	}
	params.deleted, _ = result.RowsAffected()
	return nil
}

// GetSettings retrieves the settings, or nil when none were saved
func (s *Store) GetSettings() (*model.Settings, error) {
	settings := &model.Settings{}
	err := s.db.QueryRow(`
		SELECT id, smtp_config, renderer_config, limits, created_at, updated_at
		FROM settings WHERE id = 1`,
	).Scan(
		&settings.ID, &settings.SMTPConfig, &settings.RendererConfig,
		&settings.Limits, &settings.CreatedAt, &settings.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if settings.SMTPConfig != nil && settings.SMTPConfig.Host == "" {
		settings.SMTPConfig = nil
	}
	return settings, nil
}

// UpsertSettings creates or updates settings (queued for serialized execution)
func (s *Store) UpsertSettings(settings *model.Settings) error {
	return s.writeQueue.enqueue(opUpsertSettings, settings)
}

// upsertSettingsDirect creates or updates settings (direct database access, called by write queue)
func (s *Store) upsertSettingsDirect(settings *model.Settings) error {
	now := time.Now()
	settings.ID = 1
	settings.UpdatedAt = now
	if settings.CreatedAt.IsZero() {
		settings.CreatedAt = now
	}

	_, err := s.db.Exec(`
		INSERT INTO settings (id, smtp_config, renderer_config, limits, created_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			smtp_config = excluded.smtp_config,
			renderer_config = excluded.renderer_config,
			limits = excluded.limits,
			updated_at = excluded.updated_at`,
		settings.SMTPConfig, settings.RendererConfig, settings.Limits, settings.CreatedAt, settings.UpdatedAt,
	)
	return err
}

// Close closes the database connection and shuts down the write queue
func (s *Store) Close() error {
	// Shutdown write queue first to ensure all pending writes complete
	if s.writeQueue != nil {
		s.writeQueue.shutdown()
	}
	return s.db.Close()
}
