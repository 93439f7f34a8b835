package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/invoice-extractor/internal/batch"
	"github.com/zombor/invoice-extractor/internal/export"
	"github.com/zombor/invoice-extractor/internal/extraction"
	"github.com/zombor/invoice-extractor/internal/llm"
)

var (
	// ErrNoCredentials is returned when neither the configured pool nor the
	// request carries an API key
	ErrNoCredentials = errors.New("no API key configured")
	ErrNoDocuments   = errors.New("no documents provided")
	ErrNoWorkbook    = errors.New("run has no workbook")
)

const (
	noticeEmpty     = "No invoice data could be extracted from the uploaded documents."
	noticeCancelled = "Extraction stopped before every document was processed."
)

// IDGenerator generates unique run IDs
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Config wires the model backend into a Service
type Config struct {
	// Pool is the configured credential pool. It may be nil when keys are
	// only supplied per request.
	Pool *llm.Pool
	// Dialer and Models build a single-key pool for a request-supplied key
	// when no Pool is configured
	Dialer llm.Dialer
	Models []string
	Batch  batch.Config
}

// ProcessOptions are per-request settings
type ProcessOptions struct {
	// Credential is tried ahead of the configured pool and never stored
	Credential llm.Credential
	Progress   batch.ProgressFunc
}

// Service runs extraction batches and keeps their history
type Service struct {
	db          DB
	storage     Storage
	cfg         Config
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with uuid IDs and the wall clock
func NewService(db DB, storage Storage, cfg Config) *Service {
	return NewServiceWithDeps(db, storage, cfg, uuidGenerator{}, defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, storage Storage, cfg Config, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		storage:     storage,
		cfg:         cfg,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

func (s *Service) acquirer(credential llm.Credential) (batch.Acquirer, error) {
	if s.cfg.Pool != nil {
		return s.cfg.Pool.WithPreferred(credential), nil
	}
	if credential == llm.NoCredential || s.cfg.Dialer == nil {
		return nil, ErrNoCredentials
	}
	pool, err := llm.NewPool(s.cfg.Dialer, []llm.Credential{credential}, s.cfg.Models)
	if err != nil {
		return nil, fmt.Errorf("building pool: %w", err)
	}
	return pool, nil
}

// ProcessDocuments extracts docs, exports the rows and records the run.
// A run whose documents all failed is still recorded, with status empty and
// a notice. When ctx is cancelled mid-batch the partial run is recorded and
// returned together with the context error.
func (s *Service) ProcessDocuments(ctx context.Context, docs []extraction.Document, opts ProcessOptions) (*Run, error) {
	if len(docs) == 0 {
		return nil, ErrNoDocuments
	}

	acquirer, err := s.acquirer(opts.Credential)
	if err != nil {
		return nil, err
	}

	cfg := s.cfg.Batch
	if opts.Progress != nil {
		cfg.Progress = opts.Progress
	}

	result, runErr := batch.NewDriver(acquirer, cfg).Run(ctx, docs)
	if result == nil {
		return nil, fmt.Errorf("running batch: %w", runErr)
	}

	now := s.timeSource.Now()
	run := &Run{
		ID:        s.idGenerator.Generate(),
		Status:    result.Status,
		Documents: make([]DocumentOutcome, 0, len(result.Outcomes)),
		Table:     export.BuildTable(nil),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, o := range result.Outcomes {
		run.Documents = append(run.Documents, newDocumentOutcome(o))
	}

	switch {
	case runErr != nil:
		run.Notice = noticeCancelled
	case result.Status == batch.StatusEmpty:
		run.Notice = noticeEmpty
	}

	if len(result.Records) > 0 {
		s.saveWorkbook(run, result.Records)
	}

	if err := s.db.SaveRun(run); err != nil {
		if run.Workbook != "" {
			if derr := s.storage.Delete(run.Workbook); derr != nil {
				slog.Warn("Failed to delete workbook", "workbook", run.Workbook, "error", derr)
			}
		}
		return nil, fmt.Errorf("saving run to database: %w", err)
	}

	slog.Info("Run recorded",
		"id", run.ID,
		"status", run.Status,
		"documents", len(run.Documents),
		"rows", len(run.Table.Rows),
	)
	return run, runErr
}

// saveWorkbook exports records into the run. An export failure keeps the
// display table and is reported on the run instead of failing it.
func (s *Service) saveWorkbook(run *Run, records []extraction.FlatRecord) {
	table, data, err := export.Export(records)
	run.Table = table
	if err != nil {
		slog.Error("Failed to export workbook", "id", run.ID, "error", err)
		run.ExportError = err.Error()
		return
	}

	path, err := s.storage.Save(run.ID+".xlsx", data)
	if err != nil {
		slog.Error("Failed to store workbook", "id", run.ID, "error", err)
		run.ExportError = fmt.Errorf("%w: %v", export.ErrExport, err).Error()
		return
	}

	run.Workbook = path
	run.DownloadName = export.Filename(records)
}

// GetRun retrieves a run by ID
func (s *Service) GetRun(id string) (*Run, error) {
	run, err := s.db.GetRun(id)
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}
	return run, nil
}

// ListRuns returns all runs, newest first
func (s *Service) ListRuns() ([]*Run, error) {
	runs, err := s.db.ListRuns()
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// DeleteRun removes a run and its workbook
func (s *Service) DeleteRun(id string) error {
	run, err := s.db.GetRun(id)
	if err != nil {
		return fmt.Errorf("getting run for deletion: %w", err)
	}

	if run.Workbook != "" {
		if err := s.storage.Delete(run.Workbook); err != nil {
			slog.Warn("Failed to delete workbook", "workbook", run.Workbook, "error", err)
		}
	}

	if err := s.db.DeleteRun(id); err != nil {
		return fmt.Errorf("deleting run from database: %w", err)
	}
	return nil
}

// GetRunWorkbook returns the xlsx bytes of a run and its download name
func (s *Service) GetRunWorkbook(id string) ([]byte, string, error) {
	run, err := s.db.GetRun(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting run: %w", err)
	}
	if run.Workbook == "" {
		return nil, "", fmt.Errorf("%w: %s", ErrNoWorkbook, id)
	}

	data, err := s.storage.Get(run.Workbook)
	if err != nil {
		return nil, "", fmt.Errorf("getting workbook: %w", err)
	}
	return data, run.DownloadName, nil
}
