package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zombor/invoice-extractor/internal/extraction"
)

// DefaultModel is pinged when no model list is configured
const DefaultModel = "gemini-1.5-flash"

// defaultPingTimeout bounds each liveness ping
const defaultPingTimeout = 30 * time.Second

// ErrPoolExhausted is returned when no credential and model pair answers a ping
var ErrPoolExhausted = errors.New("credential pool exhausted")

// Model is a ready-to-use remote model bound to one credential
type Model interface {
	// Generate sends one extraction request and returns the raw reply text
	Generate(ctx context.Context, req extraction.Request) (string, error)
	// Ping makes a minimal call with a capped output size
	Ping(ctx context.Context) error
	// Close releases the model's client
	Close() error
}

// Dialer builds a Model for a credential and model name. Every Model owns its
// own client configuration; nothing is shared between Models.
type Dialer interface {
	Dial(ctx context.Context, credential Credential, model string) (Model, error)
}

// Handle is a Model that passed its liveness ping
type Handle struct {
	Model
	Credential Credential
	ModelName  string
}

// Attempt records one failed ping
type Attempt struct {
	Model      string
	Credential Credential
	Err        error
}

// ExhaustedError lists every pair that was tried
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s/%s: %v", a.Model, a.Credential, a.Err))
	}
	return fmt.Sprintf("%s after %d attempts: %s", ErrPoolExhausted, len(e.Attempts), strings.Join(parts, "; "))
}

// Is makes errors.Is(err, ErrPoolExhausted) true
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrPoolExhausted
}

func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// Pool is an ordered list of credentials and model names
type Pool struct {
	dialer      Dialer
	credentials []Credential
	models      []string
	pingTimeout time.Duration
}

// NewPool creates a Pool. Order defines ping priority.
func NewPool(dialer Dialer, credentials []Credential, models []string) (*Pool, error) {
	if dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if len(credentials) == 0 {
		return nil, fmt.Errorf("at least one credential is required")
	}
	if len(models) == 0 {
		models = []string{DefaultModel}
	}

	return &Pool{
		dialer:      dialer,
		credentials: append([]Credential(nil), credentials...),
		models:      append([]string(nil), models...),
		pingTimeout: defaultPingTimeout,
	}, nil
}

// WithPingTimeout returns a copy of the pool using the given ping timeout
func (p *Pool) WithPingTimeout(d time.Duration) *Pool {
	cp := *p
	if d > 0 {
		cp.pingTimeout = d
	}
	return &cp
}

// WithPreferred returns a copy of the pool that pings credential first
func (p *Pool) WithPreferred(credential Credential) *Pool {
	if strings.TrimSpace(string(credential)) == "" {
		return p
	}
	cp := *p
	cp.credentials = make([]Credential, 0, len(p.credentials)+1)
	seen := make(map[Credential]bool, len(p.credentials)+1)
	// NoCredential is kept so a keyless backend stays reachable
	for _, c := range append([]Credential{credential}, p.credentials...) {
		if seen[c] {
			continue
		}
		seen[c] = true
		cp.credentials = append(cp.credentials, c)
	}
	return &cp
}

// Credentials returns the pool's credentials in ping order
func (p *Pool) Credentials() []Credential {
	return append([]Credential(nil), p.credentials...)
}

// Models returns the pool's model names in acquisition order
func (p *Pool) Models() []string {
	return append([]string(nil), p.models...)
}

// Acquire pings model names in order, and for each model every credential
// in order, returning the first pair whose ping succeeds. Later pairs are
// never tried once one succeeds. When all fail the error is an
// *ExhaustedError matching ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	var attempts []Attempt

	for _, modelName := range p.models {
		for _, cred := range p.credentials {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("acquiring model: %w", err)
			}

			handle, err := p.try(ctx, cred, modelName)
			if err == nil {
				slog.Info("Acquired model", "model", modelName, "credential", cred, "attempts", len(attempts)+1)
				return handle, nil
			}

			slog.Warn("Model ping failed", "model", modelName, "credential", cred, "error", err)
			attempts = append(attempts, Attempt{Model: modelName, Credential: cred, Err: err})
		}
	}

	return nil, &ExhaustedError{Attempts: attempts}
}

func (p *Pool) try(ctx context.Context, cred Credential, modelName string) (*Handle, error) {
	model, err := p.dialer.Dial(ctx, cred, modelName)
	if err != nil {
		return nil, fmt.Errorf("dialing: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, p.pingTimeout)
	defer cancel()

	if err := model.Ping(pingCtx); err != nil {
		model.Close()
		return nil, fmt.Errorf("probing: %w", err)
	}

	return &Handle{
		Model:      model,
		Credential: cred,
		ModelName:  modelName,
	}, nil
}
