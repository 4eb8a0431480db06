// Package gateway executes lab commands against the remote cloud API on
// behalf of a single session.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/shsh-cloudlabs/internal/cloud"
	"github.com/ashureev/shsh-cloudlabs/internal/domain"
)

const (
	defaultHistoryLimit   = 200
	defaultCommandTimeout = 60 * time.Second
)

// Refresher renews temporary credentials.
type Refresher interface {
	NeedsRefresh(creds domain.CredentialSet) bool
	Refresh(ctx context.Context, creds domain.CredentialSet) (domain.CredentialSet, error)
}

// Recorder persists executed commands.
type Recorder interface {
	RecordCommand(ctx context.Context, rec domain.CommandRecord) error
}

// Config holds gateway limits.
type Config struct {
	HistoryLimit   int
	CommandTimeout time.Duration
}

// credState is one credential generation. It is never mutated after
// publication except for the validation outcome, which belongs to it.
type credState struct {
	creds domain.CredentialSet
	api   cloud.API

	mu         sync.Mutex
	validated  bool
	diagnostic string // rendered authentication failure, "" when valid
}

func (s *credState) validation() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validated, s.diagnostic
}

func (s *credState) setValidation(diagnostic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validated = true
	s.diagnostic = diagnostic
}

// Gateway serializes command execution for one session.
type Gateway struct {
	sessionID string
	cfg       Config
	factory   cloud.Factory
	refresher Refresher
	recorder  Recorder
	table     *Table
	onRefresh func(domain.CredentialSet)
	logger    *slog.Logger
	now       func() time.Time

	state     atomic.Pointer[credState]
	executing atomic.Bool
	closed    atomic.Bool

	mu      sync.Mutex
	history []domain.CommandEntry
	cols    int
	rows    int
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithRecorder persists every executed command.
func WithRecorder(r Recorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

// WithTable replaces the default handler table.
func WithTable(t *Table) Option {
	return func(g *Gateway) { g.table = t }
}

// WithRefreshHook is invoked with the new credentials after every refresh.
func WithRefreshHook(fn func(domain.CredentialSet)) Option {
	return func(g *Gateway) { g.onRefresh = fn }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New creates a gateway bound to a session's credentials.
func New(sessionID string, creds domain.CredentialSet, cfg Config, factory cloud.Factory, refresher Refresher, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	g := &Gateway{
		sessionID: sessionID,
		cfg:       cfg,
		factory:   factory,
		refresher: refresher,
		table:     DefaultTable(),
		logger:    logger.With("session_id", sessionID),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	api, err := factory(creds)
	if err != nil {
		return nil, fmt.Errorf("create cloud client: %w", err)
	}
	g.state.Store(&credState{creds: creds.Clone(), api: api})
	return g, nil
}

// SessionID returns the bound session id.
func (g *Gateway) SessionID() string {
	return g.sessionID
}

// Execute runs one command. It returns ErrAlreadyExecuting if another command
// is in flight and ErrGatewayClosed after Close; every other outcome,
// including remote failures, is reported in the envelope.
func (g *Gateway) Execute(ctx context.Context, commandText string) (*domain.ResultEnvelope, error) {
	if g.closed.Load() {
		return nil, domain.ErrGatewayClosed
	}
	if !g.executing.CompareAndSwap(false, true) {
		return nil, domain.ErrAlreadyExecuting
	}
	defer g.executing.Store(false)

	g.appendHistory(commandText)

	ctx, cancel := context.WithTimeout(ctx, g.cfg.CommandTimeout)
	defer cancel()

	st := g.refreshIfDue(ctx)
	env := g.dispatch(ctx, st, commandText)
	g.record(ctx, env)
	return env, nil
}

func (g *Gateway) dispatch(ctx context.Context, st *credState, commandText string) *domain.ResultEnvelope {
	cmd, err := Parse(commandText)
	if err != nil {
		return g.malformed(commandText, err)
	}

	h, ok := g.table.Lookup(cmd.Capability, cmd.Operation)
	if !ok {
		return domain.Failure(commandText, domain.ExitUnsupported, domain.CodeCommandUnsupported,
			fmt.Sprintf("aws: error: unsupported command %q for service %q", cmd.Operation, cmd.Capability), g.now())
	}
	operation := operationFor(h, cmd)

	if diagnostic := g.validate(ctx, st, operation); diagnostic != "" {
		return domain.Failure(commandText, domain.ExitRemoteError, domain.CodeCredentialInvalid,
			diagnostic, g.now())
	}

	out, err := h.Run(ctx, st.api, cmd.Args)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrMalformedArguments):
		return g.malformed(commandText, err)
	case cloud.IsAuthError(err):
		diagnostic := cloud.Diagnostic(operation, err)
		st.setValidation(diagnostic)
		return domain.Failure(commandText, domain.ExitRemoteError, domain.CodeCredentialInvalid,
			diagnostic, g.now())
	default:
		g.logger.Debug("Remote call failed", "operation", operation, "error", err)
		return domain.Failure(commandText, domain.ExitRemoteError, domain.CodeRemoteCallFailed,
			cloud.Diagnostic(operation, err), g.now())
	}

	stdout, err := render(out)
	if err != nil {
		g.logger.Error("Failed to render command output", "operation", operation, "error", err)
		return domain.Failure(commandText, domain.ExitRemoteError, domain.CodeRemoteCallFailed,
			fmt.Sprintf("failed to render %s output: %v", operation, err), g.now())
	}
	return &domain.ResultEnvelope{
		Command:   commandText,
		ExitCode:  domain.ExitSuccess,
		Stdout:    stdout,
		Timestamp: g.now(),
	}
}

// validate performs the identity check once per credential generation. It
// returns the diagnostic of an authentication failure, the first one
// rendered for this generation on every later call, or "" when usable.
func (g *Gateway) validate(ctx context.Context, st *credState, operation string) string {
	if done, diagnostic := st.validation(); done {
		return diagnostic
	}
	_, err := st.api.CallerIdentity(ctx)
	switch {
	case err == nil:
		st.setValidation("")
	case cloud.IsAuthError(err):
		g.logger.Warn("Credential validation failed", "error", err)
		diagnostic := cloud.Diagnostic(operation, err)
		st.setValidation(diagnostic)
		return diagnostic
	default:
		// Transport failures leave the outcome unknown; try again next command.
		g.logger.Warn("Credential validation inconclusive", "error", err)
	}
	return ""
}

// refreshIfDue renews the credentials before dispatch when they are close to
// expiry. Refresh failures keep the stale generation in use.
func (g *Gateway) refreshIfDue(ctx context.Context) *credState {
	st := g.state.Load()
	if g.refresher == nil || !g.refresher.NeedsRefresh(st.creds) {
		return st
	}

	fresh, err := g.refresher.Refresh(ctx, st.creds)
	if err != nil {
		g.logger.Warn("Credential refresh failed, using existing credentials", "error", err)
		return st
	}
	if fresh.Equal(st.creds) {
		return st
	}

	api, err := g.factory(fresh)
	if err != nil {
		g.logger.Error("Failed to build client for refreshed credentials", "error", err)
		return st
	}
	next := &credState{creds: fresh.Clone(), api: api}
	g.state.Store(next)
	g.logger.Info("Credentials replaced", "access_key_id", fresh.AccessKeyID)

	if g.onRefresh != nil {
		g.onRefresh(fresh.Clone())
	}
	return next
}

func (g *Gateway) malformed(commandText string, err error) *domain.ResultEnvelope {
	return domain.Failure(commandText, domain.ExitMalformed, domain.CodeMalformedArguments,
		"aws: error: "+err.Error(), g.now())
}

func (g *Gateway) record(ctx context.Context, env *domain.ResultEnvelope) {
	if g.recorder == nil {
		return
	}
	err := g.recorder.RecordCommand(context.WithoutCancel(ctx), domain.CommandRecord{
		SessionID: g.sessionID,
		Command:   env.Command,
		ExitCode:  env.ExitCode,
		ErrorCode: env.ErrorCode,
		CreatedAt: env.Timestamp,
	})
	if err != nil {
		g.logger.Warn("Failed to record command", "error", err)
	}
}

func render(out any) (string, error) {
	switch v := out.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	}
	data, err := json.MarshalIndent(out, "", "    ")
	if err != nil {
		return "", err
	}
	return string(data) + "\n", nil
}

func (g *Gateway) appendHistory(commandText string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history = append(g.history, domain.CommandEntry{Command: commandText, Timestamp: g.now()})
	if over := len(g.history) - g.cfg.HistoryLimit; over > 0 {
		g.history = append(g.history[:0:0], g.history[over:]...)
	}
}

// History returns the executed commands, oldest first.
func (g *Gateway) History() []domain.CommandEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.CommandEntry, len(g.history))
	copy(out, g.history)
	return out
}

// ClearHistory empties the command history.
func (g *Gateway) ClearHistory() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history = nil
}

// Resize records the client's terminal dimensions.
func (g *Gateway) Resize(cols, rows int) {
	g.mu.Lock()
	g.cols, g.rows = cols, rows
	g.mu.Unlock()
	g.logger.Debug("Terminal resized", "cols", cols, "rows", rows)
}

// Size returns the last recorded terminal dimensions.
func (g *Gateway) Size() (cols, rows int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cols, g.rows
}

// Credentials returns the current credential generation.
func (g *Gateway) Credentials() domain.CredentialSet {
	return g.state.Load().creds.Clone()
}

// Busy reports whether a command is in flight.
func (g *Gateway) Busy() bool {
	return g.executing.Load()
}

// Close marks the gateway closed. An in-flight command runs to completion.
func (g *Gateway) Close() {
	if g.closed.CompareAndSwap(false, true) {
		g.logger.Debug("Command gateway closed")
	}
}

// Closed reports whether Close was called.
func (g *Gateway) Closed() bool {
	return g.closed.Load()
}
