package cron

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/yourusername/social-report-exporter/pkg/export"
	"github.com/yourusername/social-report-exporter/pkg/mail"
	"github.com/yourusername/social-report-exporter/pkg/model"
	"github.com/yourusername/social-report-exporter/pkg/store"
)

// Exporter runs one export. *export.Service implements it.
type Exporter interface {
	Export(ctx context.Context, sel model.Selection, req model.ExportRequest) (*export.Result, error)
}

// ReportMailer sends a finished report
type ReportMailer interface {
	SendReport(recipients model.Recipients, subject, body string, data []byte, filename string) error
}

// Config configures the scheduler
type Config struct {
	Enabled       bool              `mapstructure:"enabled"`
	MaxConcurrent int               `mapstructure:"max_concurrent"`
	MailRetries   int               `mapstructure:"mail_retries"`
	SMTP          *model.SMTPConfig `mapstructure:"smtp"`   // Used when no SMTP settings were saved
	Limits        model.Limits      `mapstructure:"limits"` // Used when no settings were saved
}

// Scheduler handles report scheduling
type Scheduler struct {
	store         *store.Store
	exporter      Exporter
	cron          *cron.Cron
	config        Config
	workerPool    chan struct{}
	baseCtx       context.Context
	newMailer     func(model.SMTPConfig) ReportMailer
	retryBackoff  func(attempt int) time.Duration
	settingsCache *model.Settings // Settings cache to reduce DB reads
	cacheMutex    sync.RWMutex    // Protects settingsCache
	wg            sync.WaitGroup
	log           zerolog.Logger
}

// NewScheduler creates a new scheduler instance
func NewScheduler(st *store.Store, exporter Exporter, config Config, log zerolog.Logger) *Scheduler {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 2
	}
	if config.MailRetries <= 0 {
		config.MailRetries = 3
	}
	return &Scheduler{
		store:      st,
		exporter:   exporter,
		cron:       cron.New(cron.WithSeconds()),
		config:     config,
		workerPool: make(chan struct{}, config.MaxConcurrent),
		baseCtx:    context.Background(),
		newMailer: func(c model.SMTPConfig) ReportMailer {
			return mail.NewMailer(c)
		},
		retryBackoff: func(attempt int) time.Duration {
			// Exponential backoff
			return time.Duration(attempt*attempt) * time.Second
		},
		log: log.With().Str("component", "scheduler").Logger(),
	}
}

// SetContext sets the base context for scheduled runs. Cancelling it aborts running exports.
func (s *Scheduler) SetContext(ctx context.Context) {
	s.baseCtx = ctx
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	// Add a job that runs every minute to check for due schedules
	cronExpr := "0 * * * * *" // Every minute at second 0
	entryID, err := s.cron.AddFunc(cronExpr, s.checkDueSchedules)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	// Prune old runs once a day
	if _, err := s.cron.AddFunc("0 30 3 * * *", s.pruneRuns); err != nil {
		return fmt.Errorf("failed to add retention job: %w", err)
	}

	s.cron.Start()
	s.log.Info().
		Str("expr", cronExpr).
		Int("entry_id", int(entryID)).
		Int("max_concurrent", cap(s.workerPool)).
		Msg("scheduler started")

	return nil
}

// Stop stops the cron and waits for running schedules
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

// getCachedSettings retrieves settings, using cache when possible.
// Returns nil when no settings were saved.
func (s *Scheduler) getCachedSettings() (*model.Settings, error) {
	// Try to read from cache first (read lock)
	s.cacheMutex.RLock()
	cached := s.settingsCache
	s.cacheMutex.RUnlock()

	if cached != nil {
		return cached, nil
	}

	// Cache miss - fetch from database (write lock for cache update)
	s.log.Debug().Msg("settings cache miss")
	settings, err := s.store.GetSettings()
	if err != nil {
		return nil, err
	}

	if settings != nil {
		s.cacheMutex.Lock()
		s.settingsCache = settings
		s.cacheMutex.Unlock()
	}

	return settings, nil
}

// ClearSettingsCache forces settings to be reloaded on the next run
func (s *Scheduler) ClearSettingsCache() {
	s.cacheMutex.Lock()
	s.settingsCache = nil
	s.cacheMutex.Unlock()
	s.log.Debug().Msg("settings cache cleared")
}

// smtpConfig returns the saved SMTP settings, falling back to the configured defaults
func (s *Scheduler) smtpConfig(settings *model.Settings) *model.SMTPConfig {
	if settings != nil && settings.SMTPConfig != nil {
		return settings.SMTPConfig
	}
	if s.config.SMTP != nil && s.config.SMTP.Host != "" {
		return s.config.SMTP
	}
	return nil
}

func (s *Scheduler) limits(settings *model.Settings) model.Limits {
	if settings != nil {
		return settings.Limits
	}
	return s.config.Limits
}

// checkDueSchedules checks for schedules that are due and executes them
func (s *Scheduler) checkDueSchedules() {
	schedules, err := s.store.GetDueSchedules(time.Now())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to get due schedules")
		return
	}

	if len(schedules) == 0 {
		return
	}

	s.log.Info().Int("count", len(schedules)).Msg("found due schedules")
	for _, schedule := range schedules {
		// Update next run time immediately to prevent duplicate execution
		nextRun := s.calculateNextRun(schedule)
		schedule.NextRunAt = &nextRun

		if err := s.store.UpdateSchedule(schedule); err != nil {
			s.log.Error().Err(err).Int64("schedule_id", schedule.ID).Msg("failed to update next run time")
			continue
		}

		s.log.Debug().
			Int64("schedule_id", schedule.ID).
			Str("name", schedule.Name).
			Time("next_run_at", nextRun).
			Msg("triggering schedule")
		s.ExecuteSchedule(schedule)
	}
}

// ExecuteSchedule executes a schedule in the background (also used for manual runs)
func (s *Scheduler) ExecuteSchedule(schedule *model.Schedule) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeSchedule(schedule)
	}()
}

// executeSchedule executes a single schedule
func (s *Scheduler) executeSchedule(schedule *model.Schedule) {
	log := s.log.With().Int64("schedule_id", schedule.ID).Str("account", schedule.AccountID).Logger()

	// Acquire worker slot
	select {
	case s.workerPool <- struct{}{}:
	case <-s.baseCtx.Done():
		return
	}
	defer func() { <-s.workerPool }()

	started := time.Now()
	if err := s.runOnce(log, schedule, started); err != nil {
		log.Warn().Err(err).Msg("scheduled export failed")
	}

	// Update schedule last run time
	schedule.LastRunAt = &started
	if err := s.store.UpdateSchedule(schedule); err != nil {
		log.Warn().Err(err).Msg("failed to update schedule last run time")
	}
}

// runOnce exports the schedule's report and mails it. The export is not
// retried; a failed document service call fails the run.
func (s *Scheduler) runOnce(log zerolog.Logger, schedule *model.Schedule, started time.Time) error {
	// Scheduled runs carry no user credential; the clients fall back to the service token
	sel := schedule.Selection(started, "")
	scheduleID := schedule.ID

	res, err := s.exporter.Export(s.baseCtx, sel, model.ExportRequest{Format: schedule.Format, ScheduleID: &scheduleID})
	if err != nil {
		return err
	}
	run := res.Run
	if run == nil {
		run = &model.ExportRun{ExportID: res.ExportID, StartedAt: started}
	}

	// Get settings (from cache to reduce DB reads)
	settings, err := s.getCachedSettings()
	if err != nil {
		log.Warn().Err(err).Msg("failed to load settings, using defaults")
	}

	smtp := s.smtpConfig(settings)
	if smtp == nil {
		log.Info().Msg("SMTP not configured, report available for download only")
		run.EmailSent = false
		run.EmailError = "SMTP not configured"
		s.saveRun(log, run)
		return nil
	}

	subject, body, data, filename := s.compose(schedule, sel, run, res.Delivery, s.limits(settings))
	err = s.sendWithRetry(log, s.newMailer(*smtp), schedule.Recipients, subject, body, data, filename)
	if err != nil {
		// The report exists; only delivery failed
		log.Warn().Err(err).Int("recipients", schedule.Recipients.Count()).Msg("failed to send report email")
		run.EmailSent = false
		run.EmailError = err.Error()
	} else {
		log.Info().Int("recipients", schedule.Recipients.Count()).Msg("report email sent")
		run.EmailSent = true
		run.EmailError = ""
	}
	s.saveRun(log, run)
	return nil
}

// compose builds the email for a finished export. PDFs are attached unless
// they exceed the attachment limit; Word reports are linked.
func (s *Scheduler) compose(schedule *model.Schedule, sel model.Selection, run *model.ExportRun, delivery export.Delivery, limits model.Limits) (subject, body string, data []byte, filename string) {
	timerange := "todo el periodo"
	if start, end := sel.Range.StartString(), sel.Range.EndString(); start != nil && end != nil {
		timerange = fmt.Sprintf("%s a %s", *start, *end)
	}

	link := ""
	switch v := delivery.(type) {
	case export.Stream:
		maxBytes := int64(limits.MaxAttachmentSizeMB) << 20
		if maxBytes > 0 && int64(len(v.Body)) > maxBytes {
			link = run.ArchiveURL
		} else {
			data = v.Body
			filename = fmt.Sprintf("%s-%s.pdf", slug(schedule.Name), run.StartedAt.Format("2006-01-02-150405"))
		}
	case export.Redirect:
		link = v.URL
	}

	vars := map[string]string{
		"schedule.name":  schedule.Name,
		"account.name":   schedule.AccountName,
		"timerange":      timerange,
		"format":         schedule.Format.Label(),
		"report.url":     link,
		"run.started_at": run.StartedAt.Format(time.RFC1123),
	}

	subject = mail.InterpolateTemplate(schedule.EmailSubject, vars)
	body = mail.InterpolateTemplate(schedule.EmailBody, vars)
	if link != "" && !strings.Contains(body, link) {
		body += "\n\n" + link
	}
	return subject, body, data, filename
}

// sendWithRetry sends the email, retrying transient SMTP failures
func (s *Scheduler) sendWithRetry(log zerolog.Logger, mailer ReportMailer, recipients model.Recipients, subject, body string, data []byte, filename string) error {
	var lastErr error
	maxRetries := s.config.MailRetries

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.retryBackoff(attempt)
			log.Debug().Int("attempt", attempt+1).Dur("backoff", backoff).Msg("retrying email")
			select {
			case <-time.After(backoff):
			case <-s.baseCtx.Done():
				return s.baseCtx.Err()
			}
		}

		err := mailer.SendReport(recipients, subject, body, data, filename)
		if err == nil {
			return nil
		}
		lastErr = err
	}

	return fmt.Errorf("all %d attempts failed: %w", maxRetries, lastErr)
}

func (s *Scheduler) saveRun(log zerolog.Logger, run *model.ExportRun) {
	if run.ID == 0 {
		return
	}
	if err := s.store.UpdateExportRun(run); err != nil {
		log.Warn().Err(err).Msg("failed to update run record with email status")
	}
}

// pruneRuns deletes runs older than the retention limit
func (s *Scheduler) pruneRuns() {
	settings, err := s.getCachedSettings()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to load settings for retention")
	}
	days := s.limits(settings).RetentionDays
	if days <= 0 {
		return
	}

	deleted, err := s.store.PruneExportRuns(time.Now().AddDate(0, 0, -days))
	if err != nil {
		s.log.Error().Err(err).Msg("failed to prune export runs")
		return
	}
	s.log.Info().Int64("deleted", deleted).Int("retention_days", days).Msg("pruned export runs")
}

// CalculateNextRun calculates the next run time for a schedule (exported for use in handlers)
func (s *Scheduler) CalculateNextRun(schedule *model.Schedule) time.Time {
	return s.calculateNextRun(schedule)
}

// calculateNextRun calculates the next run time for a schedule
func (s *Scheduler) calculateNextRun(schedule *model.Schedule) time.Time {
	return s.nextRunAfter(schedule, time.Now())
}

// nextRunAfter returns the first run of schedule strictly after now, in UTC.
// The cron expression is evaluated in the schedule's timezone.
func (s *Scheduler) nextRunAfter(schedule *model.Schedule, now time.Time) time.Time {
	loc, err := time.LoadLocation(schedule.Timezone)
	if err != nil {
		s.log.Warn().Err(err).Str("timezone", schedule.Timezone).Int64("schedule_id", schedule.ID).Msg("invalid timezone, using UTC")
		loc = time.UTC
	}
	local := now.In(loc)

	cronExpression := schedule.CronExpr
	if cronExpression == "" {
		cronExpression = IntervalCronExpr(schedule.IntervalType)
	}

	expr, err := cronexpr.Parse(cronExpression)
	if err != nil {
		s.log.Warn().Err(err).Str("expr", cronExpression).Int64("schedule_id", schedule.ID).Msg("invalid cron expression, falling back to 1 hour")
		return local.Add(time.Hour).UTC().Truncate(time.Second)
	}

	// Stored in UTC, without the monotonic reading
	return expr.Next(local).UTC().Truncate(time.Second)
}

// IntervalCronExpr returns the cron expression of a named interval
func IntervalCronExpr(intervalType string) string {
	switch intervalType {
	case "weekly":
		return "0 0 * * 1" // Every Monday at midnight
	case "monthly":
		return "0 0 1 * *" // First day of month at midnight
	default:
		// Daily, and unknown interval types
		return "0 0 * * *"
	}
}

var slugFold = strings.NewReplacer("á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n")

// slug turns a schedule name into a file name stem
func slug(name string) string {
	var b strings.Builder
	for _, r := range slugFold.Replace(strings.ToLower(strings.TrimSpace(name))) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "reporte"
	}
	return b.String()
}
