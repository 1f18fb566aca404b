package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/config"
)

// ErrAccountNotFound is returned by store operations that name an unknown
// account ID.
var ErrAccountNotFound = errors.New("account not found")

// ErrNoSelectableAccount is returned by Select when no account is currently
// eligible.
var ErrNoSelectableAccount = errors.New("no selectable account")

// StatePersister saves the state document. Implemented by the store
// backends.
type StatePersister interface {
	Save(ctx context.Context, st *config.State) error
}

// AddOptions describes an account to register.
type AddOptions struct {
	Label       string
	Provenance  string
	Credentials CredentialEnvelope
	Metadata    map[string]string
	// Disabled registers the account switched off. The default is enabled.
	Disabled bool
}

// Store is the in-memory credential pool plus the persisted parts of the
// state document (accounts, governor toggles, token scan paths). All reads
// and mutations go through one RWMutex; selection is a single exclusive
// critical section so the usage bookkeeping it performs is atomic with the
// choice itself.
//
// Mutations of persisted fields schedule an asynchronous flush; request-path
// operations never wait on disk or network.
type Store struct {
	mu         sync.RWMutex
	accounts   map[string]*Account
	governor   config.GovernorToggles
	tokenPaths []string

	persist StatePersister
	flushCh chan struct{}

	persistMu     sync.Mutex
	lastFlushErr  error
	lastFlushTime time.Time

	now func() time.Time
}

// NewStore returns an empty pool that persists through p. Call Hydrate to
// load a previously saved document and Run to start the flush loop.
func NewStore(p StatePersister) *Store {
	return &Store{
		accounts: make(map[string]*Account),
		governor: config.DefaultGovernorToggles(),
		persist:  p,
		flushCh:  make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Hydrate replaces the pool with the accounts from a loaded state document.
// Volatile fields (in-flight counts, cooldowns, health) restart clean; the
// refresher re-validates credentials shortly after boot.
func (s *Store) Hydrate(st *config.State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts = make(map[string]*Account, len(st.Accounts))
	for i := range st.Accounts {
		acc := accountFromRecord(&st.Accounts[i])
		s.accounts[acc.ID] = acc
	}
	s.governor = st.Governor
	s.tokenPaths = append([]string(nil), st.TokenPaths...)
	log.WithField("accounts", len(s.accounts)).Info("Credential pool loaded")
}

// Run flushes the state document whenever a mutation scheduled one,
// coalescing bursts into single writes. It blocks until ctx is done, then
// performs a final flush.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.doFlush(context.Background())
			return
		case <-s.flushCh:
			s.doFlush(ctx)
		}
	}
}

// Flush writes the current document synchronously. Used at shutdown and
// after import.
func (s *Store) Flush(ctx context.Context) error {
	return s.doFlush(ctx)
}

func (s *Store) doFlush(ctx context.Context) error {
	st := s.ExportSnapshot()
	err := s.persist.Save(ctx, st)

	s.persistMu.Lock()
	s.lastFlushErr = err
	s.lastFlushTime = s.now()
	s.persistMu.Unlock()

	if err != nil {
		log.WithError(err).Warn("Failed to persist state document")
	}
	return err
}

// scheduleFlush queues an asynchronous write. A queued flush that has not
// started yet absorbs later requests.
func (s *Store) scheduleFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// LastPersistError reports the outcome of the most recent flush so the
// management surface can expose persistence trouble without failing
// request-path mutations.
func (s *Store) LastPersistError() (error, time.Time) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return s.lastFlushErr, s.lastFlushTime
}

// List returns clones of all accounts ordered by creation time.
func (s *Store) List() []*Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, acc.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns a clone of one account.
func (s *Store) Get(id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return acc.Clone(), nil
}

// Count returns the number of registered accounts.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// ActiveCount returns how many accounts are selectable right now.
func (s *Store) ActiveCount() int {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, acc := range s.accounts {
		if acc.Selectable(now) {
			n++
		}
	}
	return n
}

// Add registers an account. When the credentials match an existing account
// (same refresh token, or same provenance and email) the two merge: the
// existing account keeps its ID, counters, and health, and takes the newer
// credentials. Returns the resulting account and whether a merge happened.
func (s *Store) Add(opts AddOptions) (*Account, bool, error) {
	if !opts.Credentials.Valid() {
		return nil, false, errors.New("add account: invalid credential envelope")
	}
	now := s.now().UTC()

	s.mu.Lock()
	if existing := s.findDuplicateLocked(opts); existing != nil {
		existing.Credentials = mergeCredentials(existing.Credentials, opts.Credentials)
		if opts.Label != "" {
			existing.Label = opts.Label
		}
		for k, v := range opts.Metadata {
			if existing.Metadata == nil {
				existing.Metadata = make(map[string]string)
			}
			existing.Metadata[k] = v
		}
		existing.UpdatedAt = now
		clone := existing.Clone()
		s.mu.Unlock()

		s.scheduleFlush()
		log.WithFields(log.Fields{"account": clone.ID, "provenance": opts.Provenance}).
			Info("Merged credentials into existing account")
		return clone, true, nil
	}

	acc := &Account{
		ID:          uuid.NewString(),
		Label:       opts.Label,
		Provenance:  opts.Provenance,
		Credentials: opts.Credentials,
		Enabled:     !opts.Disabled,
		status:      HealthActive,
		Metadata:    opts.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if acc.Label == "" {
		acc.Label = defaultLabel(acc)
	}
	s.accounts[acc.ID] = acc
	clone := acc.Clone()
	s.mu.Unlock()

	s.scheduleFlush()
	log.WithFields(log.Fields{"account": clone.ID, "provenance": clone.Provenance}).
		Info("Registered account")
	return clone, false, nil
}

// findDuplicateLocked matches on refresh token first, then on provenance
// plus email. Caller holds the write lock.
func (s *Store) findDuplicateLocked(opts AddOptions) *Account {
	refresh := strings.TrimSpace(opts.Credentials.RefreshToken)
	email := strings.TrimSpace(opts.Metadata["email"])
	for _, acc := range s.accounts {
		if refresh != "" && acc.Credentials.RefreshToken == refresh {
			return acc
		}
		if email != "" && acc.Provenance == opts.Provenance && acc.Email() == email {
			return acc
		}
	}
	return nil
}

func mergeCredentials(prev, next CredentialEnvelope) CredentialEnvelope {
	// Same lineage keeps the later expiry; a replaced refresh token is a new
	// lineage and wins outright.
	if prev.RefreshToken == next.RefreshToken && next.ExpiresAt.Before(prev.ExpiresAt) {
		next.ExpiresAt = prev.ExpiresAt
	}
	if next.AuthKind == "" {
		next.AuthKind = prev.AuthKind
	}
	return next
}

func defaultLabel(acc *Account) string {
	if email := acc.Email(); email != "" {
		return email
	}
	if len(acc.ID) >= 8 {
		return "account-" + acc.ID[:8]
	}
	return "account-" + acc.ID
}

// Remove deletes an account.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	if _, ok := s.accounts[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	delete(s.accounts, id)
	s.mu.Unlock()

	s.scheduleFlush()
	log.WithField("account", id).Info("Removed account")
	return nil
}

// UpdateCredentials replaces an account's credentials. Within one lineage
// (unchanged refresh token) the expiry never moves backwards.
func (s *Store) UpdateCredentials(id string, env CredentialEnvelope) error {
	if !env.Valid() {
		return errors.New("update credentials: invalid credential envelope")
	}
	s.mu.Lock()
	acc, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	merged := mergeCredentials(acc.Credentials, env)
	if merged.ExpiresAt != env.ExpiresAt {
		log.WithField("account", id).Debug("Ignoring credential expiry regression")
	}
	acc.Credentials = merged
	acc.LastRefreshed = s.now().UTC()
	acc.UpdatedAt = acc.LastRefreshed
	s.mu.Unlock()

	s.scheduleFlush()
	return nil
}

// SetEnabled toggles the operator switch.
func (s *Store) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	acc, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	acc.Enabled = enabled
	acc.UpdatedAt = s.now().UTC()
	s.mu.Unlock()

	s.scheduleFlush()
	log.WithFields(log.Fields{"account": id, "enabled": enabled}).Info("Toggled account")
	return nil
}

// MarkCooldown puts the account in cooldown for d. An already later deadline
// is kept.
func (s *Store) MarkCooldown(id string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	deadline := s.now().Add(d)
	if deadline.After(acc.CooldownDeadline) {
		acc.CooldownDeadline = deadline
	}
	log.WithFields(log.Fields{"account": id, "until": acc.CooldownDeadline.Format(time.RFC3339)}).
		Warn("Account cooling down")
	return nil
}

// MarkUnhealthy flags the account until a refresh or operator action
// restores it.
func (s *Store) MarkUnhealthy(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	acc.status = HealthUnhealthy
	acc.UnhealthyReason = reason
	log.WithFields(log.Fields{"account": id, "reason": reason}).Warn("Account unhealthy")
	return nil
}

// MarkActive clears unhealthy state and any cooldown.
func (s *Store) MarkActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	acc.status = HealthActive
	acc.UnhealthyReason = ""
	acc.CooldownDeadline = time.Time{}
	return nil
}

// NoAccountError reports a failed selection together with pool context so
// callers can tell "everything is rate limited" apart from "nothing is
// configured". It unwraps to ErrNoSelectableAccount.
type NoAccountError struct {
	Total            int
	Enabled          int
	InCooldown       int
	EarliestDeadline time.Time
}

func (e *NoAccountError) Error() string {
	if e.InCooldown > 0 {
		return fmt.Sprintf("no selectable account: %d of %d enabled accounts in cooldown until %s",
			e.InCooldown, e.Enabled, e.EarliestDeadline.Format(time.RFC3339))
	}
	return fmt.Sprintf("no selectable account: %d accounts, %d enabled", e.Total, e.Enabled)
}

func (e *NoAccountError) Unwrap() error { return ErrNoSelectableAccount }

// Select picks the least recently used selectable account, skipping excluded
// IDs, and records the dispatch (last-used timestamp and in-flight
// increment) in the same critical section. Callers must pair it with
// Release.
func (s *Store) Select(excluded map[string]bool) (*Account, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Account
	for _, acc := range s.accounts {
		if excluded[acc.ID] || !acc.Selectable(now) {
			continue
		}
		if best == nil || lessLoaded(acc, best) {
			best = acc
		}
	}
	if best == nil {
		return nil, s.noAccountErrorLocked(now)
	}
	best.LastUsedAt = now.UTC()
	best.InFlight++
	return best.Clone(), nil
}

// noAccountErrorLocked summarizes why nothing was selectable. Caller holds
// the lock.
func (s *Store) noAccountErrorLocked(now time.Time) *NoAccountError {
	e := &NoAccountError{Total: len(s.accounts)}
	for _, acc := range s.accounts {
		if !acc.Enabled {
			continue
		}
		e.Enabled++
		if acc.Health(now) == HealthCooldown {
			e.InCooldown++
			if e.EarliestDeadline.IsZero() || acc.CooldownDeadline.Before(e.EarliestDeadline) {
				e.EarliestDeadline = acc.CooldownDeadline
			}
		}
	}
	return e
}

// SelectByID dispatches on a specific account when it is still selectable,
// with the same bookkeeping as Select. Used for session stickiness.
func (s *Store) SelectByID(id string, excluded map[string]bool) (*Account, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if excluded[id] || !acc.Selectable(now) {
		return nil, ErrNoSelectableAccount
	}
	acc.LastUsedAt = now.UTC()
	acc.InFlight++
	return acc.Clone(), nil
}

// lessLoaded orders accounts by (last used, in-flight, ID) ascending.
func lessLoaded(a, b *Account) bool {
	if !a.LastUsedAt.Equal(b.LastUsedAt) {
		return a.LastUsedAt.Before(b.LastUsedAt)
	}
	if a.InFlight != b.InFlight {
		return a.InFlight < b.InFlight
	}
	return a.ID < b.ID
}

// Release records request completion: in-flight decrement and the request
// and error counters.
func (s *Store) Release(id string, success bool, errMsg string) {
	s.mu.Lock()
	acc, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if acc.InFlight > 0 {
		acc.InFlight--
	}
	acc.RequestCount++
	if !success {
		acc.ErrorCount++
		acc.LastError = errMsg
	}
	s.mu.Unlock()

	s.scheduleFlush()
}

// SetQuota records the latest quota observation for an account.
func (s *Store) SetQuota(id string, q QuotaSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return
	}
	quota := q
	acc.Quota = &quota
}

// Governor returns the current governor toggles.
func (s *Store) Governor() config.GovernorToggles {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.governor
}

// SetGovernor replaces the governor toggles.
func (s *Store) SetGovernor(t config.GovernorToggles) {
	s.mu.Lock()
	s.governor = t
	s.mu.Unlock()
	s.scheduleFlush()
}

// TokenPaths returns the extra directories the token scanner walks.
func (s *Store) TokenPaths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.tokenPaths...)
}

// SetTokenPaths replaces the extra scan directories.
func (s *Store) SetTokenPaths(paths []string) {
	s.mu.Lock()
	s.tokenPaths = append([]string(nil), paths...)
	s.mu.Unlock()
	s.scheduleFlush()
}

// ExportSnapshot renders the persisted view of the pool: credentials,
// enabled flags, counters, and metadata, but no volatile health.
func (s *Store) ExportSnapshot() *config.State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &config.State{
		SchemaVersion: config.CurrentSchemaVersion,
		Governor:      s.governor,
		TokenPaths:    append([]string(nil), s.tokenPaths...),
	}
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		st.Accounts = append(st.Accounts, recordFromAccount(s.accounts[id]))
	}
	return st
}

// ImportSnapshot merges a state document into the pool. Records whose ID or
// credentials match an existing account update it in place; the rest are
// added. Returns how many accounts were added and how many merged.
func (s *Store) ImportSnapshot(st *config.State) (added, merged int) {
	now := s.now().UTC()

	s.mu.Lock()
	for i := range st.Accounts {
		rec := &st.Accounts[i]
		if acc, ok := s.accounts[rec.ID]; ok {
			applyRecord(acc, rec, now)
			merged++
			continue
		}
		opts := AddOptions{
			Provenance: rec.Provenance,
			Metadata:   rec.Metadata,
			Credentials: CredentialEnvelope{
				AccessToken:  rec.AccessToken,
				RefreshToken: rec.RefreshToken,
				ExpiresAt:    rec.ExpiresAt,
				AuthKind:     rec.AuthKind,
			},
		}
		if dup := s.findDuplicateLocked(opts); dup != nil {
			applyRecord(dup, rec, now)
			merged++
			continue
		}
		acc := accountFromRecord(rec)
		if acc.ID == "" {
			acc.ID = uuid.NewString()
		}
		if acc.CreatedAt.IsZero() {
			acc.CreatedAt = now
		}
		acc.UpdatedAt = now
		s.accounts[acc.ID] = acc
		added++
	}
	s.governor = st.Governor
	if len(st.TokenPaths) > 0 {
		s.tokenPaths = append([]string(nil), st.TokenPaths...)
	}
	s.mu.Unlock()

	s.scheduleFlush()
	log.WithFields(log.Fields{"added": added, "merged": merged}).Info("Imported state document")
	return added, merged
}

func applyRecord(acc *Account, rec *config.AccountRecord, now time.Time) {
	acc.Credentials = mergeCredentials(acc.Credentials, CredentialEnvelope{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		ExpiresAt:    rec.ExpiresAt,
		AuthKind:     rec.AuthKind,
	})
	if rec.Label != "" {
		acc.Label = rec.Label
	}
	for k, v := range rec.Metadata {
		if acc.Metadata == nil {
			acc.Metadata = make(map[string]string)
		}
		acc.Metadata[k] = v
	}
	acc.UpdatedAt = now
}

func accountFromRecord(rec *config.AccountRecord) *Account {
	meta := rec.Metadata
	if meta != nil {
		copied := make(map[string]string, len(meta))
		for k, v := range meta {
			copied[k] = v
		}
		meta = copied
	}
	return &Account{
		ID:         rec.ID,
		Label:      rec.Label,
		Provenance: rec.Provenance,
		Credentials: CredentialEnvelope{
			AccessToken:  rec.AccessToken,
			RefreshToken: rec.RefreshToken,
			ExpiresAt:    rec.ExpiresAt,
			AuthKind:     rec.AuthKind,
		},
		Enabled:      rec.Enabled,
		status:       HealthActive,
		Metadata:     meta,
		RequestCount: rec.RequestCount,
		ErrorCount:   rec.ErrorCount,
		CreatedAt:    rec.CreatedAt,
	}
}

func recordFromAccount(acc *Account) config.AccountRecord {
	meta := acc.Metadata
	if meta != nil {
		copied := make(map[string]string, len(meta))
		for k, v := range meta {
			copied[k] = v
		}
		meta = copied
	}
	return config.AccountRecord{
		ID:           acc.ID,
		Label:        acc.Label,
		Provenance:   acc.Provenance,
		AccessToken:  acc.Credentials.AccessToken,
		RefreshToken: acc.Credentials.RefreshToken,
		ExpiresAt:    acc.Credentials.ExpiresAt,
		AuthKind:     acc.Credentials.AuthKind,
		Enabled:      acc.Enabled,
		Metadata:     meta,
		RequestCount: acc.RequestCount,
		ErrorCount:   acc.ErrorCount,
		CreatedAt:    acc.CreatedAt,
	}
}
