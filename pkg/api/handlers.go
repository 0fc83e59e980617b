package api

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "strconv"
    "strings"

    "github.com/go-chi/chi/v5"
    chimw "github.com/go-chi/chi/v5/middleware"
    "github.com/rs/zerolog"

    "github.com/yourusername/social-report-exporter/pkg/api/middleware"
    "github.com/yourusername/social-report-exporter/pkg/cron"
    "github.com/yourusername/social-report-exporter/pkg/export"
    "github.com/yourusername/social-report-exporter/pkg/mail"
    "github.com/yourusername/social-report-exporter/pkg/model"
    "github.com/yourusername/social-report-exporter/pkg/store"
)

// StatusClientClosedRequest is logged when the client went away before the export finished
const StatusClientClosedRequest = 499

// Options configures a Handler
type Options struct {
    // RateLimitPerMinute caps export requests per client IP; 0 disables the limit
    RateLimitPerMinute int
    // Defaults is served by GET /api/settings until settings are saved
    Defaults model.Settings
}

// Handler handles HTTP API requests
type Handler struct {
    store     *store.Store
    scheduler *cron.Scheduler
    exports   *export.Service
    options   Options
    router    chi.Router
    log       zerolog.Logger
}

// NewHandler creates a new API handler
func NewHandler(st *store.Store, scheduler *cron.Scheduler, exports *export.Service, options Options, log zerolog.Logger) *Handler {
    h := &Handler{
        store:     st,
        scheduler: scheduler,
        exports:   exports,
        options:   options,
        router:    chi.NewRouter(),
        log:       log.With().Str("component", "api").Logger(),
    }

    h.registerRoutes()
    return h
}

// registerRoutes registers all HTTP routes
func (h *Handler) registerRoutes() {
    r := h.router
    r.Use(chimw.RequestID)
    r.Use(middleware.Logger(&h.log))
    r.Use(chimw.Recoverer)

    r.Get("/healthz", h.handleHealth)

    r.Route("/api/report", func(r chi.Router) {
        if h.options.RateLimitPerMinute > 0 {
            limiter := middleware.NewIPRateLimiter(h.options.RateLimitPerMinute, 5)
            r.With(middleware.RateLimit(limiter)).Post("/export", h.handleExport)
        } else {
            r.Post("/export", h.handleExport)
        }
        r.Get("/status", h.handleStatus)
        r.Get("/summary", h.handleSummary)
    })

    r.Route("/api/schedules", func(r chi.Router) {
        r.Get("/", h.handleListSchedules)
        r.Post("/", h.handleCreateSchedule)
        r.Route("/{id}", func(r chi.Router) {
            r.Get("/", h.handleGetSchedule)
            r.Put("/", h.handleUpdateSchedule)
            r.Delete("/", h.handleDeleteSchedule)
            r.Post("/run", h.handleRunSchedule)
            r.Get("/runs", h.handleScheduleRuns)
        })
    })

    r.Get("/api/runs", h.handleListRuns)
    r.Get("/api/runs/{id}/artifact", h.handleArtifact)

    r.Get("/api/settings", h.handleGetSettings)
    r.Post("/api/settings", h.handleSaveSettings)
    r.Post("/api/smtp/test", h.handleSMTPTest)
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
    h.router.ServeHTTP(w, r)
}

type exportBody struct {
    Account   *model.Account  `json:"account"`
    DateRange model.DateRange `json:"date_range"`
    Theme     string          `json:"theme"`
    Format    string          `json:"format"`
}

// handleExport handles POST /api/report/export
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
    var body exportBody
    if err := decodeJSON(r, &body); err != nil {
        h.respondError(w, r, err)
        return
    }

    sel := model.Selection{
        Account:    body.Account,
        Range:      body.DateRange,
        Theme:      model.ParseTheme(body.Theme),
        Credential: bearerToken(r),
    }

    res, err := h.exports.Export(r.Context(), sel, model.ExportRequest{Format: model.ExportFormat(body.Format)})
    if err != nil {
        h.respondError(w, r, err)
        return
    }

    if err := export.Deliver(r.Context(), export.HTTPDeliverer{W: w}, res.Delivery); err != nil {
        zerolog.Ctx(r.Context()).Warn().Err(err).Str("export_id", res.ExportID).Msg("failed to deliver export")
    }
}

// handleStatus handles GET /api/report/status
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
    running := h.exports.InProgress()
    if account := r.URL.Query().Get("account"); account != "" {
        filtered := make([]export.InProgress, 0, len(running))
        for _, e := range running {
            if e.AccountID == account {
                filtered = append(filtered, e)
            }
        }
        respondJSON(w, map[string]interface{}{"busy": len(filtered) > 0, "exports": filtered})
        return
    }
    respondJSON(w, map[string]interface{}{"busy": len(running) > 0, "exports": running})
}

// handleSummary handles GET /api/report/summary?account=&name=&start=&end=&theme=
func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
    q := r.URL.Query()
    dateRange, err := model.NewDateRange(q.Get("start"), q.Get("end"))
    if err != nil {
        h.respondError(w, r, err)
        return
    }

    sel := model.Selection{
        Range:      dateRange,
        Theme:      model.ParseTheme(q.Get("theme")),
        Credential: bearerToken(r),
    }
    if account := q.Get("account"); account != "" {
        sel.Account = &model.Account{ID: account, DisplayName: q.Get("name")}
    }
    if err := model.ValidateSelection(sel); err != nil {
        h.respondError(w, r, err)
        return
    }

    mounted := h.exports.Host().Mount(r.Context(), sel)
    facebook, instagram, err := mounted.Totals(r.Context())
    if err != nil {
        h.respondError(w, r, err)
        return
    }

    respondJSON(w, map[string]interface{}{
        "page_name":         sel.Account.DisplayName,
        "date_range":        sel.Range,
        "facebook_metrics":  facebook,
        "instagram_metrics": instagram,
    })
}

// handleListSchedules handles GET /api/schedules
func (h *Handler) handleListSchedules(w http.ResponseWriter, r *http.Request) {
    schedules, err := h.store.ListSchedules()
    if err != nil {
        h.respondError(w, r, err)
        return
    }
    respondJSON(w, map[string]interface{}{"schedules": schedules})
}

// handleCreateSchedule handles POST /api/schedules
func (h *Handler) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
    var schedule model.Schedule
    if err := decodeJSON(r, &schedule); err != nil {
        h.respondError(w, r, err)
        return
    }

    if err := h.prepareSchedule(&schedule); err != nil {
        h.respondError(w, r, err)
        return
    }

    if err := h.store.CreateSchedule(&schedule); err != nil {
        h.respondError(w, r, err)
        return
    }

    respondJSONStatus(w, http.StatusCreated, schedule)
}

// handleGetSchedule handles GET /api/schedules/{id}
func (h *Handler) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
    id, err := pathID(r)
    if err != nil {
        h.respondError(w, r, err)
        return
    }

    schedule, err := h.store.GetSchedule(id)
    if err != nil {
        h.respondError(w, r, err)
        return
    }
    respondJSON(w, schedule)
}

// handleUpdateSchedule handles PUT /api/schedules/{id}
func (h *Handler) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
    id, err := pathID(r)
    if err != nil {
        h.respondError(w, r, err)
        return
    }

    existing, err := h.store.GetSchedule(id)
    if err != nil {
        h.respondError(w, r, err)
        return
    }

    var schedule model.Schedule
    if err := decodeJSON(r, &schedule); err != nil {
        h.respondError(w, r, err)
        return
    }
    schedule.ID = id
    schedule.CreatedAt = existing.CreatedAt
    schedule.LastRunAt = existing.LastRunAt

    if err := h.prepareSchedule(&schedule); err != nil {
        h.respondError(w, r, err)
        return
    }

    if err := h.store.UpdateSchedule(&schedule); err != nil {
        h.respondError(w, r, err)
        return
    }
    respondJSON(w, schedule)
}

// handleDeleteSchedule handles DELETE /api/schedules/{id}
func (h *Handler) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
    id, err := pathID(r)
    if err != nil {
        h.respondError(w, r, err)
        return
    }

    if err := h.store.DeleteSchedule(id); err != nil {
        h.respondError(w, r, err)
        return
    }
    w.WriteHeader(http.StatusNoContent)
}

// handleRunSchedule handles POST /api/schedules/{id}/run
func (h *Handler) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
    id, err := pathID(r)
    if err != nil {
        h.respondError(w, r, err)
        return
    }

    schedule, err := h.store.GetSchedule(id)
    if err != nil {
        h.respondError(w, r, err)
        return
    }

    h.scheduler.ExecuteSchedule(schedule)
    respondJSONStatus(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// handleScheduleRuns handles GET /api/schedules/{id}/runs
func (h *Handler) handleScheduleRuns(w http.ResponseWriter, r *http.Request) {
    id, err := pathID(r)
    if err != nil {
        h.respondError(w, r, err)
        return
    }

    runs, err := h.store.ListExportRuns(&id, queryInt(r, "limit"))
    if err != nil {
        h.respondError(w, r, err)
        return
    }
    respondJSON(w, map[string]interface{}{"runs": runs})
}

// handleListRuns handles GET /api/runs
func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
    runs, err := h.store.ListExportRuns(nil, queryInt(r, "limit"))
    if err != nil {
        h.respondError(w, r, err)
        return
    }
    respondJSON(w, map[string]interface{}{"runs": runs})
}

// handleArtifact handles GET /api/runs/{id}/artifact
func (h *Handler) handleArtifact(w http.ResponseWriter, r *http.Request) {
    id, err := pathID(r)
    if err != nil {
        h.respondError(w, r, err)
        return
    }

    run, err := h.store.GetExportRun(id)
    if err != nil {
        h.respondError(w, r, err)
        return
    }

    if len(run.ArtifactData) == 0 {
        if run.RetrievalURL != "" {
            export.DeliverRedirect(r.Context(), export.HTTPDeliverer{W: w}, export.Redirect{URL: run.RetrievalURL})
            return
        }
        respondErrorMessage(w, http.StatusNotFound, "Artifact not found")
        return
    }

    stream := export.Stream{
        Filename: fmt.Sprintf("reporte-%s.pdf", run.StartedAt.Format("2006-01-02-150405")),
        Body:     run.ArtifactData,
    }
    if err := export.DeliverStream(r.Context(), export.HTTPDeliverer{W: w}, stream); err != nil {
        zerolog.Ctx(r.Context()).Warn().Err(err).Int64("run_id", run.ID).Msg("failed to serve artifact")
        return
    }
    zerolog.Ctx(r.Context()).Debug().Int64("run_id", run.ID).Int("bytes", len(run.ArtifactData)).Msg("served artifact")
}

// handleGetSettings handles GET /api/settings
func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
    settings, err := h.store.GetSettings()
    if err != nil {
        h.respondError(w, r, err)
        return
    }
    if settings == nil {
        defaults := h.options.Defaults
        settings = &defaults
    }
    if settings.SMTPConfig == nil {
        settings.SMTPConfig = &model.SMTPConfig{Port: 587, UseTLS: true}
    }
    respondJSON(w, settings)
}

// handleSaveSettings handles POST /api/settings
func (h *Handler) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
    var settings model.Settings
    if err := decodeJSON(r, &settings); err != nil {
        h.respondError(w, r, err)
        return
    }

    if settings.SMTPConfig != nil && settings.SMTPConfig.Host != "" {
        if err := mail.Validate(*settings.SMTPConfig); err != nil {
            h.respondError(w, r, &model.ValidationError{Field: "smtp_config", Reason: err.Error()})
            return
        }
    }
    switch settings.RendererConfig.Backend {
    case "", model.BackendNative, model.BackendChromium, model.BackendPlaywright:
    default:
        h.respondError(w, r, &model.ValidationError{Field: "renderer_config.backend", Reason: fmt.Sprintf("unknown backend %q", settings.RendererConfig.Backend)})
        return
    }

    if err := h.store.UpsertSettings(&settings); err != nil {
        h.respondError(w, r, err)
        return
    }

    // Scheduled runs pick up the new SMTP config and limits on their next tick
    h.scheduler.ClearSettingsCache()

    respondJSON(w, settings)
}

// handleSMTPTest handles POST /api/smtp/test
func (h *Handler) handleSMTPTest(w http.ResponseWriter, r *http.Request) {
    var smtpConfig model.SMTPConfig
    if err := decodeJSON(r, &smtpConfig); err != nil {
        h.respondError(w, r, err)
        return
    }

    if err := mail.Validate(smtpConfig); err != nil {
        respondJSON(w, map[string]interface{}{
            "success": false,
            "error":   err.Error(),
        })
        return
    }

    if err := mail.Test(smtpConfig); err != nil {
        respondJSON(w, map[string]interface{}{
            "success": false,
            "error":   err.Error(),
            "host":    smtpConfig.Host,
            "port":    smtpConfig.Port,
        })
        return
    }

    respondJSON(w, map[string]interface{}{
        "success": true,
        "message": "Successfully connected to SMTP server",
        "host":    smtpConfig.Host,
        "port":    smtpConfig.Port,
        "tls":     smtpConfig.UseTLS,
    })
}

// handleHealth handles GET /healthz
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
    respondJSON(w, map[string]interface{}{
        "status":  "ok",
        "mounts":  h.exports.Host().Len(),
        "exports": len(h.exports.InProgress()),
    })
}

// prepareSchedule validates a schedule against the current limits and sets its next run
func (h *Handler) prepareSchedule(schedule *model.Schedule) error {
    limits := h.options.Defaults.Limits
    settings, err := h.store.GetSettings()
    if err != nil {
        return fmt.Errorf("failed to get settings: %w", err)
    }
    if settings != nil {
        limits = settings.Limits
    }

    if err := model.ValidateSchedule(schedule, limits); err != nil {
        return err
    }
    schedule.Theme = model.ParseTheme(string(schedule.Theme))

    // Calculate next run time only if schedule is enabled
    if schedule.Enabled {
        nextRun := h.scheduler.CalculateNextRun(schedule)
        schedule.NextRunAt = &nextRun
    } else {
        schedule.NextRunAt = nil
    }
    return nil
}

// respondError writes {"error": <user message>} with the status matching the error kind
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
    status := http.StatusInternalServerError
    message := model.UserMessage(err)

    switch {
    case errors.Is(err, store.ErrNotFound):
        status = http.StatusNotFound
        message = "No encontrado."
    case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
        status = StatusClientClosedRequest
    default:
        switch model.KindOf(err) {
        case model.KindValidation:
            status = http.StatusBadRequest
        case model.KindService:
            status = http.StatusBadGateway
        case model.KindCancelled:
            status = http.StatusConflict
        }
    }

    event := zerolog.Ctx(r.Context()).Warn()
    if status == http.StatusInternalServerError {
        event = zerolog.Ctx(r.Context()).Error()
    }
    event.Err(err).Int("status", status).Msg("request failed")

    respondErrorMessage(w, status, message)
}

func respondErrorMessage(w http.ResponseWriter, status int, message string) {
    respondJSONStatus(w, status, map[string]string{"error": message})
}

func respondJSON(w http.ResponseWriter, data interface{}) {
    respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data interface{}) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    json.NewEncoder(w).Encode(data)
}

// decodeJSON decodes the request body. Validation errors raised while decoding pass through.
func decodeJSON(r *http.Request, dest interface{}) error {
    if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
        var ve *model.ValidationError
        if errors.As(err, &ve) {
            return ve
        }
        return &model.ValidationError{Reason: "Cuerpo de solicitud inválido."}
    }
    return nil
}

// bearerToken returns the credential of the Authorization header, or ""
func bearerToken(r *http.Request) string {
    auth := r.Header.Get("Authorization")
    if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
        return strings.TrimSpace(token)
    }
    return ""
}

func pathID(r *http.Request) (int64, error) {
    id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
    if err != nil {
        return 0, &model.ValidationError{Field: "id", Reason: "Identificador inválido."}
    }
    return id, nil
}

func queryInt(r *http.Request, key string) int {
    n, _ := strconv.Atoi(r.URL.Query().Get(key))
    return n
}
