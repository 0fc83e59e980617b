package export

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourusername/social-report-exporter/pkg/events"
	"github.com/yourusername/social-report-exporter/pkg/model"
	"github.com/yourusername/social-report-exporter/pkg/render"
	"github.com/yourusername/social-report-exporter/pkg/report"
)

// RunRecorder persists export runs
type RunRecorder interface {
	CreateExportRun(run *model.ExportRun) error
	UpdateExportRun(run *model.ExportRun) error
}

// Archiver keeps a copy of exported documents
type Archiver interface {
	Put(ctx context.Context, accountID, exportID, filename, contentType string, body []byte) (string, error)
}

// Options wires a Service. Runs, Archive and Events are optional.
type Options struct {
	Host          *render.Host
	Backend       render.Backend
	Assembler     *report.Assembler
	Dispatcher    *Dispatcher
	Runs          RunRecorder
	Archive       Archiver
	Events        events.Publisher
	MaxConcurrent int
}

// Result is the outcome of a successful export
type Result struct {
	ExportID string
	Delivery Delivery
	Payload  *model.ReportPayload
	Run      *model.ExportRun
}

// Service runs the export pipeline: mount, capture, assemble, dispatch
type Service struct {
	host       *render.Host
	backend    render.Backend
	assembler  *report.Assembler
	dispatcher *Dispatcher
	runs       RunRecorder
	archive    Archiver
	events     events.Publisher
	workerPool chan struct{}
	tracker    *tracker
	log        zerolog.Logger
}

// NewService creates an export service
func NewService(opts Options, log zerolog.Logger) *Service {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	return &Service{
		host:       opts.Host,
		backend:    opts.Backend,
		assembler:  opts.Assembler,
		dispatcher: opts.Dispatcher,
		runs:       opts.Runs,
		archive:    opts.Archive,
		events:     opts.Events,
		workerPool: make(chan struct{}, opts.MaxConcurrent),
		tracker:    newTracker(),
		log:        log.With().Str("component", "export").Logger(),
	}
}

// InProgress lists the running exports
func (s *Service) InProgress() []InProgress {
	return s.tracker.list()
}

// Busy reports whether an export for accountID is running
func (s *Service) Busy(accountID string) bool {
	return s.tracker.busy(accountID)
}

// Host returns the render host exports mount into
func (s *Service) Host() *render.Host {
	return s.host
}

// Export runs one export for sel. Input is validated before any network
// call, and the in-progress flag is cleared on every path.
func (s *Service) Export(ctx context.Context, sel model.Selection, req model.ExportRequest) (*Result, error) {
	if err := model.ValidateSelection(sel); err != nil {
		return nil, err
	}
	format, err := model.ParseExportFormat(string(req.Format))
	if err != nil {
		return nil, err
	}

	exportID := uuid.NewString()
	log := s.log.With().
		Str("export_id", exportID).
		Str("account", sel.AccountID()).
		Str("format", string(format)).
		Logger()

	ctx, done := s.tracker.begin(ctx, exportID, sel, format)
	defer done()

	// Acquire worker slot
	select {
	case s.workerPool <- struct{}{}:
	case <-ctx.Done():
		return nil, s.contextErr(ctx)
	}
	defer func() { <-s.workerPool }()

	run := &model.ExportRun{
		ExportID:   exportID,
		ScheduleID: req.ScheduleID,
		AccountID:  sel.AccountID(),
		Format:     format,
		StartedAt:  time.Now(),
		Status:     model.RunStatusRunning,
	}
	s.recordStart(log, run)

	res, err := s.export(ctx, log, sel, format, run)
	if err != nil && ctx.Err() != nil {
		err = s.contextErr(ctx)
	}
	s.recordFinish(log, run, err)

	if err != nil {
		if model.KindOf(err) == model.KindUnknown {
			log.Error().Err(err).Msg("export failed unexpectedly")
		} else {
			log.Warn().Err(err).Str("kind", model.KindOf(err).String()).Msg("export failed")
		}
		return nil, err
	}

	res.ExportID = exportID
	res.Run = run
	log.Info().
		Strs("null_captures", run.NullCaptures).
		Dur("elapsed", time.Since(run.StartedAt)).
		Msg("export completed")
	return res, nil
}

func (s *Service) export(ctx context.Context, log zerolog.Logger, sel model.Selection, format model.ExportFormat, run *model.ExportRun) (*Result, error) {
	if s.host == nil || s.backend == nil {
		return nil, model.ErrRenderHostMissing
	}

	m := s.host.Mount(ctx, sel)
	surface, err := s.backend.Attach(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("attach capture surface: %w", err)
	}
	defer func() {
		if err := surface.Release(); err != nil {
			log.Warn().Err(err).Msg("failed to release capture surface")
		}
	}()

	payload, err := s.assembler.Assemble(ctx, sel, m, surface)
	if err != nil {
		return nil, err
	}
	run.NullCaptures = payload.NullKeys()

	delivery, err := s.dispatcher.Dispatch(ctx, payload, format, sel.Credential)
	if err != nil {
		return nil, err
	}

	switch v := delivery.(type) {
	case Stream:
		run.Bytes = int64(len(v.Body))
		run.Checksum = fmt.Sprintf("%x", sha256.Sum256(v.Body))
		run.ArtifactData = v.Body
		if s.archive != nil {
			url, err := s.archive.Put(ctx, run.AccountID, run.ExportID, v.Filename, v.ContentType, v.Body)
			if err != nil {
				// The document was generated; a missing archive copy is not an export failure
				log.Warn().Err(err).Msg("failed to archive report")
			} else {
				run.ArchiveURL = url
			}
		}
	case Redirect:
		run.RetrievalURL = v.URL
	}

	return &Result{Delivery: delivery, Payload: payload}, nil
}

// contextErr maps a done export context to the error the caller sees
func (s *Service) contextErr(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, model.ErrExportCancelled) {
		return model.ErrExportCancelled
	}
	return ctx.Err()
}

func (s *Service) recordStart(log zerolog.Logger, run *model.ExportRun) {
	if s.runs == nil {
		return
	}
	if err := s.runs.CreateExportRun(run); err != nil {
		log.Warn().Err(err).Msg("failed to create export run record")
	}
}

func (s *Service) recordFinish(log zerolog.Logger, run *model.ExportRun, err error) {
	now := time.Now()
	run.FinishedAt = &now
	if err != nil {
		run.Status = model.RunStatusFailed
		run.ErrorText = err.Error()
	} else {
		run.Status = model.RunStatusCompleted
	}

	if s.runs != nil && run.ID != 0 {
		if uerr := s.runs.UpdateExportRun(run); uerr != nil {
			log.Warn().Err(uerr).Msg("failed to update export run record")
		}
	}

	// Publishing must not be tied to a cancelled export context
	pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	event := events.ExportFinished{
		ExportID:     run.ExportID,
		ScheduleID:   run.ScheduleID,
		AccountID:    run.AccountID,
		Format:       string(run.Format),
		Status:       run.Status,
		Error:        run.ErrorText,
		NullCaptures: run.NullCaptures,
		Bytes:        run.Bytes,
		RetrievalURL: run.RetrievalURL,
		ArchiveURL:   run.ArchiveURL,
		FinishedAt:   now.UTC(),
	}
	if perr := s.events.PublishExport(pctx, event); perr != nil {
		log.Warn().Err(perr).Msg("failed to publish export event")
	}
}
