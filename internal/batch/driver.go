package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zombor/invoice-extractor/internal/extraction"
	"github.com/zombor/invoice-extractor/internal/llm"
)

// DefaultThrottle is the pause between documents
const DefaultThrottle = time.Second

// Acquirer hands out validated model handles
type Acquirer interface {
	Acquire(ctx context.Context) (*llm.Handle, error)
}

// Config controls a Driver
type Config struct {
	// Throttle is waited before every document but the first
	Throttle time.Duration
	// Concurrency is the number of documents in flight; below 1 means 1
	Concurrency int
	// RequestTimeout bounds each remote call; zero means no limit
	RequestTimeout time.Duration
	Progress       ProgressFunc
	Logger         *slog.Logger
}

// Driver runs the extraction loop over a batch of documents
type Driver struct {
	acquirer Acquirer
	cfg      Config
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewDriver creates a Driver
func NewDriver(acquirer Acquirer, cfg Config) *Driver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Driver{
		acquirer: acquirer,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// run is the shared state of one batch
type run struct {
	driver *Driver
	total  int

	mu      sync.Mutex
	handle  *llm.Handle
	handles []*llm.Handle

	progressMu sync.Mutex
	completed  int
}

// Run extracts every document. A failed document never stops the batch; it
// is recorded in Outcomes and the loop moves on. Run only returns an error
// when no model can be acquired before the first document, or when ctx is
// cancelled, in which case the partial Result is returned with ctx.Err().
func (d *Driver) Run(ctx context.Context, docs []extraction.Document) (*Result, error) {
	result := &Result{
		Outcomes: make([]Outcome, len(docs)),
		Status:   StatusEmpty,
	}
	if len(docs) == 0 {
		return result, nil
	}

	handle, err := d.acquirer.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring model: %w", err)
	}

	r := &run{driver: d, total: len(docs), handle: handle, handles: []*llm.Handle{handle}}
	defer r.close()

	rows := make([][]extraction.FlatRecord, len(docs))
	for i, doc := range docs {
		result.Outcomes[i] = Outcome{Document: doc.Name, State: StatePending}
	}

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)

	for i, doc := range docs {
		if ctx.Err() != nil {
			r.cancelRemaining(result, docs, i, ctx.Err())
			break
		}

		g.Go(func() error {
			if i > 0 {
				if err := d.sleep(ctx, d.cfg.Throttle); err != nil {
					result.Outcomes[i] = cancelledOutcome(doc.Name, err)
					r.report(result.Outcomes[i])
					return nil
				}
			}
			result.Outcomes[i], rows[i] = r.process(ctx, doc)
			r.report(result.Outcomes[i])
			return nil
		})
	}
	g.Wait()

	for _, docRows := range rows {
		result.Records = append(result.Records, docRows...)
	}
	if result.Succeeded() > 0 {
		result.Status = StatusSuccess
	}

	d.logger.Info("Batch finished",
		"documents", len(docs),
		"succeeded", result.Succeeded(),
		"rows", len(result.Records),
		"status", result.Status,
	)

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

func cancelledOutcome(name string, err error) Outcome {
	return Outcome{
		Document: name,
		State:    StateCancelled,
		Err:      &DocumentError{Document: name, Kind: KindCancelled, Err: err},
	}
}

func (r *run) cancelRemaining(result *Result, docs []extraction.Document, from int, err error) {
	for i := from; i < len(docs); i++ {
		result.Outcomes[i] = cancelledOutcome(docs[i].Name, err)
		r.report(result.Outcomes[i])
	}
}

// process moves one document through Requesting, an optional single
// RetryRequesting, Parsing and Flattened, or stops at Failed.
func (r *run) process(ctx context.Context, doc extraction.Document) (Outcome, []extraction.FlatRecord) {
	d := r.driver
	outcome := Outcome{Document: doc.Name, State: StateRequesting}

	fail := func(kind FailureKind, err error) (Outcome, []extraction.FlatRecord) {
		outcome.State = StateFailed
		outcome.Err = &DocumentError{Document: doc.Name, Kind: kind, Attempts: outcome.Attempts, Err: err}
		d.logger.Warn("Document skipped",
			"filename", doc.Name,
			"kind", kind,
			"attempts", outcome.Attempts,
			"error", err,
		)
		return outcome, nil
	}

	req, err := extraction.BuildRequest(doc)
	if err != nil {
		return fail(KindDocument, err)
	}

	// In-flight calls are not interrupted by batch cancellation
	callCtx := context.WithoutCancel(ctx)

	handle := r.current()
	outcome.ModelName = handle.ModelName
	outcome.Attempts = 1
	reply, err := r.generate(callCtx, handle, req)
	if isDocumentError(err) {
		return fail(KindDocument, err)
	}
	if err != nil {
		d.logger.Warn("Request failed, acquiring a fresh model",
			"filename", doc.Name,
			"model", handle.ModelName,
			"credential", handle.Credential,
			"error", err,
		)
		outcome.State = StateRetryRequesting

		fresh, aerr := r.reacquire(callCtx, handle)
		if aerr != nil {
			return fail(KindAcquisition, errors.Join(err, aerr))
		}

		outcome.ModelName = fresh.ModelName
		outcome.Attempts = 2
		reply, err = r.generate(callCtx, fresh, req)
		if err != nil {
			return fail(KindTransport, err)
		}
	}

	outcome.State = StateParsing
	parsed, err := extraction.Normalize(reply)
	if err != nil {
		return fail(KindParse, err)
	}

	records := extraction.Flatten(doc.Name, parsed)
	outcome.State = StateFlattened
	outcome.Rows = len(records)

	d.logger.Info("Document extracted",
		"filename", doc.Name,
		"rows", len(records),
		"model", outcome.ModelName,
		"attempts", outcome.Attempts,
	)
	return outcome, records
}

// isDocumentError reports a failure caused by the document itself, which a
// fresh model would hit again
func isDocumentError(err error) bool {
	return errors.Is(err, extraction.ErrUnsupportedMediaType) || errors.Is(err, extraction.ErrUnreadableDocument)
}

func (r *run) generate(ctx context.Context, handle *llm.Handle, req extraction.Request) (string, error) {
	if timeout := r.driver.cfg.RequestTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return handle.Generate(ctx, req)
}

func (r *run) current() *llm.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

// reacquire replaces failed with a fresh handle. When another document has
// already replaced it, that replacement is used instead.
func (r *run) reacquire(ctx context.Context, failed *llm.Handle) (*llm.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handle != failed {
		return r.handle, nil
	}

	fresh, err := r.driver.acquirer.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	r.handle = fresh
	r.handles = append(r.handles, fresh)
	return fresh, nil
}

func (r *run) report(outcome Outcome) {
	r.progressMu.Lock()
	defer r.progressMu.Unlock()

	r.completed++
	if r.driver.cfg.Progress != nil {
		r.driver.cfg.Progress(Progress{
			Completed: r.completed,
			Total:     r.total,
			Outcome:   outcome,
		})
	}
}

// close releases every handle acquired during the batch
func (r *run) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.handles {
		if err := h.Close(); err != nil {
			r.driver.logger.Warn("Failed to close model", "model", h.ModelName, "error", err)
		}
	}
	r.handles = nil
}
