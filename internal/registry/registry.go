// Package registry creates, tracks, extends and destroys lab sessions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/shsh-cloudlabs/internal/domain"
	"github.com/google/uuid"
)

// Authorizer validates entitlement tokens.
type Authorizer interface {
	ValidateToken(ctx context.Context, token string) (domain.Entitlement, error)
}

// Provisioner mints and releases sandbox credentials.
type Provisioner interface {
	Provision(ctx context.Context, userID, labID string) (domain.CredentialSet, error)
	Release(ctx context.Context, creds domain.CredentialSet) error
}

// Notifier tells the entitlement service when labs start and end.
type Notifier interface {
	NotifyStarted(ctx context.Context, purchaseID, sessionID string) error
	NotifyEnded(ctx context.Context, purchaseID, sessionID string, duration time.Duration) error
}

// Auditor records lifecycle transitions.
type Auditor interface {
	RecordSessionEvent(ctx context.Context, ev domain.SessionEvent) error
}

// Config holds registry timings.
type Config struct {
	LabDuration         time.Duration
	SweepInterval       time.Duration
	CollaboratorTimeout time.Duration
	ReleaseTimeout      time.Duration
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	UserID        string
	LabID         string
	EntitlementID string
	AuthToken     string
}

// expiryGrace keeps lapsed records in the store long enough for the sweep to
// release their credentials.
const expiryGrace = 5 * time.Minute

// Registry owns session records and their expiry sweeps.
type Registry struct {
	store    Store
	authz    Authorizer
	prov     Provisioner
	notifier Notifier
	auditor  Auditor
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	sweeps    map[string]context.CancelFunc
	onDestroy []func(sessionID string)
}

// Option customizes a Registry.
type Option func(*Registry)

// WithNotifier sets the lab start/end notifier.
func WithNotifier(n Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

// WithAuditor sets the lifecycle auditor.
func WithAuditor(a Auditor) Option {
	return func(r *Registry) { r.auditor = a }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator replaces session id generation.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// New creates a registry.
func New(store Store, authz Authorizer, prov Provisioner, cfg Config, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LabDuration <= 0 {
		cfg.LabDuration = 2 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.CollaboratorTimeout <= 0 {
		cfg.CollaboratorTimeout = 10 * time.Second
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		store:  store,
		authz:  authz,
		prov:   prov,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
		ctx:    ctx,
		cancel: cancel,
		sweeps: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnDestroy registers a hook run after a session is destroyed.
func (r *Registry) OnDestroy(fn func(sessionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDestroy = append(r.onDestroy, fn)
}

// Create validates the entitlement, provisions credentials and stores a new
// active session. The record is visible to Get before Create returns.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*domain.Session, error) {
	ent, err := r.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	creds, err := r.prov.Provision(ctx, req.UserID, req.LabID)
	if err != nil {
		r.logger.Error("Credential provisioning failed", "user_id", req.UserID, "lab_id", req.LabID, "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrProvisioningFailed, err)
	}

	now := r.now()
	purchaseID := ent.PurchaseID
	if purchaseID == "" {
		purchaseID = req.EntitlementID
	}
	sess := &domain.Session{
		ID:          r.newID(),
		UserID:      req.UserID,
		LabID:       req.LabID,
		PurchaseID:  purchaseID,
		Status:      domain.StatusActive,
		CreatedAt:   now,
		ExpiresAt:   now.Add(r.cfg.LabDuration),
		Credentials: creds,
	}

	if err := r.store.Put(ctx, sess, r.ttlFor(sess, now)); err != nil {
		r.releaseQuietly(ctx, sess)
		return nil, fmt.Errorf("store session: %w", err)
	}

	r.logger.Info("Session created",
		"session_id", sess.ID,
		"user_id", sess.UserID,
		"lab_id", sess.LabID,
		"expires_at", sess.ExpiresAt)

	r.audit(ctx, sess, domain.EventCreated, "")
	if r.notifier != nil {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CollaboratorTimeout)
		if err := r.notifier.NotifyStarted(nctx, sess.PurchaseID, sess.ID); err != nil {
			r.logger.Warn("Lab start notification failed", "session_id", sess.ID, "error", err)
		}
		cancel()
	}

	r.startSweep(sess.ID)
	return sess.Clone(), nil
}

func (r *Registry) validate(ctx context.Context, req CreateRequest) (domain.Entitlement, error) {
	if req.AuthToken == "" {
		return domain.Entitlement{}, fmt.Errorf("%w: missing token", domain.ErrInvalidEntitlement)
	}
	vctx, cancel := context.WithTimeout(ctx, r.cfg.CollaboratorTimeout)
	defer cancel()

	ent, err := r.authz.ValidateToken(vctx, req.AuthToken)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidEntitlement) {
			return ent, err
		}
		r.logger.Warn("Entitlement validation failed", "user_id", req.UserID, "error", err)
		return ent, fmt.Errorf("%w: %v", domain.ErrInvalidEntitlement, err)
	}
	switch {
	case !ent.Valid:
		return ent, fmt.Errorf("%w: token rejected", domain.ErrInvalidEntitlement)
	case ent.UserID != "" && ent.UserID != req.UserID:
		return ent, fmt.Errorf("%w: token issued to another user", domain.ErrInvalidEntitlement)
	case ent.LabID != "" && ent.LabID != req.LabID:
		return ent, fmt.Errorf("%w: token issued for another lab", domain.ErrInvalidEntitlement)
	case !ent.ExpiresAt.IsZero() && r.now().After(ent.ExpiresAt):
		return ent, fmt.Errorf("%w: entitlement expired", domain.ErrInvalidEntitlement)
	}
	return ent, nil
}

// Get returns the session only while it is usable. A record found past its
// expiry is flipped to expired and reported absent.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Session, error) {
	r.mu.Lock()
	sess, err := r.store.Get(ctx, id)
	if err != nil || sess == nil {
		r.mu.Unlock()
		return nil, err
	}
	now := r.now()
	if sess.IsUsable(now) {
		r.mu.Unlock()
		return sess, nil
	}
	expired := sess.Status == domain.StatusActive && r.expireLocked(ctx, sess, now)
	r.mu.Unlock()

	if expired {
		r.audit(ctx, sess, domain.EventExpired, "")
	}
	return nil, nil
}

// Lookup returns the stored record regardless of status.
func (r *Registry) Lookup(ctx context.Context, id string) (*domain.Session, error) {
	return r.store.Get(ctx, id)
}

// Extend adds minutes to an active session's expiry. It is a no-op for a
// session that is no longer usable; the returned flag reports whether the
// expiry moved. A nil session means the record does not exist.
func (r *Registry) Extend(ctx context.Context, id string, minutes int) (*domain.Session, bool, error) {
	r.mu.Lock()
	sess, err := r.store.Get(ctx, id)
	if err != nil || sess == nil {
		r.mu.Unlock()
		return nil, false, err
	}
	now := r.now()
	if !sess.IsUsable(now) {
		expired := sess.Status == domain.StatusActive && r.expireLocked(ctx, sess, now)
		r.mu.Unlock()
		if expired {
			r.audit(ctx, sess, domain.EventExpired, "")
		}
		return sess, false, nil
	}
	if minutes <= 0 {
		r.mu.Unlock()
		return sess, false, nil
	}

	sess.ExpiresAt = sess.ExpiresAt.Add(time.Duration(minutes) * time.Minute)
	if err := r.store.Put(ctx, sess, r.ttlFor(sess, now)); err != nil {
		r.mu.Unlock()
		return nil, false, fmt.Errorf("extend session %s: %w", id, err)
	}
	r.mu.Unlock()

	r.logger.Info("Session extended", "session_id", id, "minutes", minutes, "expires_at", sess.ExpiresAt)
	r.audit(ctx, sess, domain.EventExtended, fmt.Sprintf("+%dm", minutes))
	return sess, true, nil
}

// UpdateCredentials writes refreshed credentials back to the record.
func (r *Registry) UpdateCredentials(ctx context.Context, id string, creds domain.CredentialSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil {
		return domain.ErrSessionNotFound
	}
	if creds.Ref == "" {
		creds.Ref = sess.Credentials.Ref
	}
	sess.Credentials = creds.Clone()
	if err := r.store.Put(ctx, sess, r.ttlFor(sess, r.now())); err != nil {
		return fmt.Errorf("update credentials for %s: %w", id, err)
	}
	return nil
}

// Destroy releases the session's credentials and removes the record. It is
// idempotent and never fails from the caller's point of view.
func (r *Registry) Destroy(ctx context.Context, id string) {
	r.mu.Lock()
	sess, err := r.store.Get(ctx, id)
	if err != nil {
		r.mu.Unlock()
		r.logger.Error("Failed to load session for destroy", "session_id", id, "error", err)
		return
	}
	if sess == nil {
		r.mu.Unlock()
		r.reclaim(ctx, id)
		return
	}
	// Claim: once deleted under the lock no other destroy can see the record.
	if err := r.store.Delete(ctx, id); err != nil {
		r.mu.Unlock()
		r.logger.Error("Failed to remove session", "session_id", id, "error", err)
		return
	}
	r.stopSweepLocked(id)
	hooks := append([]func(string){}, r.onDestroy...)
	r.mu.Unlock()

	sess.Status = domain.StatusDestroyed
	r.releaseQuietly(ctx, sess)

	if r.notifier != nil {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CollaboratorTimeout)
		duration := r.now().Sub(sess.CreatedAt)
		if err := r.notifier.NotifyEnded(nctx, sess.PurchaseID, sess.ID, duration); err != nil {
			r.logger.Warn("Lab end notification failed", "session_id", id, "error", err)
		}
		cancel()
	}

	r.audit(ctx, sess, domain.EventDestroyed, "")
	r.logger.Info("Session destroyed", "session_id", id, "user_id", sess.UserID, "lab_id", sess.LabID)

	for _, hook := range hooks {
		hook(id)
	}
}

// Reconcile destroys stored sessions that are no longer usable and re-arms
// sweeps for the rest. It recovers state after a restart against an
// external store.
func (r *Registry) Reconcile(ctx context.Context) (destroyed, armed int, err error) {
	ids, err := r.store.IDs(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list sessions: %w", err)
	}
	now := r.now()
	for _, id := range ids {
		sess, err := r.store.Get(ctx, id)
		if err != nil {
			r.logger.Warn("Reconcile: failed to load session", "session_id", id, "error", err)
			continue
		}
		if sess == nil {
			if r.reclaim(ctx, id) {
				destroyed++
			}
			continue
		}
		if !sess.IsUsable(now) {
			r.Destroy(ctx, id)
			destroyed++
			continue
		}
		r.mu.Lock()
		_, running := r.sweeps[id]
		r.mu.Unlock()
		if !running {
			r.startSweep(id)
			armed++
		}
	}
	return destroyed, armed, nil
}

// Ping checks the backing store.
func (r *Registry) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// Close stops all sweeps. Records stay in the store.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Registry) startSweep(id string) {
	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	if cancel, ok := r.sweeps[id]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(r.ctx)
	r.sweeps[id] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if r.sweepOnce(ctx, id) {
					return
				}
			}
		}
	}()
}

// sweepOnce destroys the session once it is past expiry and reports whether
// the sweep is finished.
func (r *Registry) sweepOnce(ctx context.Context, id string) bool {
	sess, err := r.store.Get(ctx, id)
	if err != nil {
		r.logger.Warn("Sweep: failed to load session", "session_id", id, "error", err)
		return false
	}
	if sess == nil {
		r.reclaim(context.WithoutCancel(ctx), id)
		return true
	}
	if sess.IsUsable(r.now()) {
		return false
	}
	r.logger.Info("Sweep: session expired", "session_id", id)
	r.Destroy(context.WithoutCancel(ctx), id)
	return true
}

// reclaim releases the credentials of a record that lapsed in the store
// before it was destroyed, using the ref kept in the index, and drops the
// index entry. It reports whether anything was reclaimed.
func (r *Registry) reclaim(ctx context.Context, id string) bool {
	r.mu.Lock()
	r.stopSweepLocked(id)
	ref, err := r.store.Ref(ctx, id)
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn("Failed to load credential ref of lapsed session", "session_id", id, "error", err)
		return false
	}
	// A record written again since the caller looked is not lapsed.
	if sess, err := r.store.Get(ctx, id); err != nil || sess != nil {
		r.mu.Unlock()
		return false
	}
	if err := r.store.Delete(ctx, id); err != nil {
		r.mu.Unlock()
		r.logger.Error("Failed to remove lapsed session", "session_id", id, "error", err)
		return false
	}
	hooks := append([]func(string){}, r.onDestroy...)
	r.mu.Unlock()

	if ref == "" {
		return false
	}
	sess := &domain.Session{ID: id, Status: domain.StatusDestroyed, Credentials: domain.CredentialSet{Ref: ref}}
	r.releaseQuietly(ctx, sess)
	r.audit(ctx, sess, domain.EventDestroyed, "lapsed")
	r.logger.Info("Lapsed session reclaimed", "session_id", id)

	for _, hook := range hooks {
		hook(id)
	}
	return true
}

func (r *Registry) stopSweepLocked(id string) {
	if cancel, ok := r.sweeps[id]; ok {
		cancel()
		delete(r.sweeps, id)
	}
}

// expireLocked flips the record to expired and reports whether it was
// written. The caller audits the transition once the lock is released.
func (r *Registry) expireLocked(ctx context.Context, sess *domain.Session, now time.Time) bool {
	sess.Status = domain.StatusExpired
	if err := r.store.Put(ctx, sess, r.ttlFor(sess, now)); err != nil {
		r.logger.Warn("Failed to mark session expired", "session_id", sess.ID, "error", err)
		return false
	}
	r.logger.Info("Session expired", "session_id", sess.ID)
	return true
}

func (r *Registry) releaseQuietly(ctx context.Context, sess *domain.Session) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ReleaseTimeout)
	defer cancel()
	if err := r.prov.Release(rctx, sess.Credentials); err != nil {
		r.logger.Warn("Credential release failed", "session_id", sess.ID, "error", err)
	}
}

func (r *Registry) audit(ctx context.Context, sess *domain.Session, event, detail string) {
	if r.auditor == nil {
		return
	}
	err := r.auditor.RecordSessionEvent(context.WithoutCancel(ctx), domain.SessionEvent{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		LabID:     sess.LabID,
		Event:     event,
		Detail:    detail,
		CreatedAt: r.now(),
	})
	if err != nil {
		r.logger.Warn("Failed to record session event", "session_id", sess.ID, "event", event, "error", err)
	}
}

// ttlFor keeps the record in the store until shortly after expiry.
func (r *Registry) ttlFor(sess *domain.Session, now time.Time) time.Duration {
	ttl := sess.ExpiresAt.Sub(now) + r.cfg.SweepInterval + expiryGrace
	if ttl <= 0 {
		return expiryGrace
	}
	return ttl
}
