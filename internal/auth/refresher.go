package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kiroproxy/kiroproxy/internal/auth/kiro"
)

// RefreshClient renews one credential set. Implemented by kiro.Client.
type RefreshClient interface {
	Refresh(ctx context.Context, ts *kiro.TokenSet) (*kiro.TokenSet, error)
}

// RefresherOptions tune the background refresh loop.
type RefresherOptions struct {
	// Interval between sweeps. Defaults to 5 minutes.
	Interval time.Duration
	// Lead is how far before expiry a credential becomes due. Defaults to
	// 15 minutes.
	Lead time.Duration
	// Concurrency bounds parallel refreshes in a sweep. Defaults to 3.
	Concurrency int
}

// Refresher keeps account credentials fresh. Each sweep refreshes every
// account whose expiry falls inside the lead window; a failure on one
// account never stops the others. Per-account locking coalesces concurrent
// refresh attempts, including on-demand ones triggered by request failures.
type Refresher struct {
	store  *Store
	client RefreshClient
	opts   RefresherOptions

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewRefresher wires a refresher to the pool.
func NewRefresher(store *Store, client RefreshClient, opts RefresherOptions) *Refresher {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Lead <= 0 {
		opts.Lead = 15 * time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	return &Refresher{
		store:  store,
		client: client,
		opts:   opts,
		locks:  make(map[string]*sync.Mutex),
		now:    time.Now,
	}
}

// Run sweeps once at startup and then on every tick until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	r.Sweep(ctx)
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep refreshes all due accounts and reports how many were refreshed and
// how many failed.
func (r *Refresher) Sweep(ctx context.Context) (refreshed, failed int) {
	due := r.dueAccounts()
	if len(due) == 0 {
		return 0, 0
	}
	log.WithField("due", len(due)).Debug("Refreshing due credentials")
	return r.refreshBatch(ctx, due, false)
}

// RefreshAll force-refreshes every enabled account that carries a refresh
// token, regardless of expiry. Used by the management surface.
func (r *Refresher) RefreshAll(ctx context.Context) (refreshed, failed int) {
	var ids []string
	for _, acc := range r.store.List() {
		if acc.Enabled && acc.Credentials.RefreshToken != "" {
			ids = append(ids, acc.ID)
		}
	}
	return r.refreshBatch(ctx, ids, true)
}

func (r *Refresher) refreshBatch(ctx context.Context, ids []string, force bool) (refreshed, failed int) {
	var (
		g       errgroup.Group
		countMu sync.Mutex
	)
	g.SetLimit(r.opts.Concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := r.RefreshAccount(ctx, id, force)
			countMu.Lock()
			if err != nil {
				failed++
			} else {
				refreshed++
			}
			countMu.Unlock()
			// Errors are recorded on the account; the sweep itself never
			// aborts.
			return nil
		})
	}
	g.Wait()
	return refreshed, failed
}

// dueAccounts lists enabled accounts whose credentials expire within the
// lead window, or have already expired.
func (r *Refresher) dueAccounts() []string {
	deadline := r.now().Add(r.opts.Lead)
	var ids []string
	for _, acc := range r.store.List() {
		if !acc.Enabled {
			continue
		}
		if acc.Credentials.ExpiresAt.IsZero() || acc.Credentials.ExpiresAt.Before(deadline) {
			ids = append(ids, acc.ID)
		}
	}
	return ids
}

// RefreshAccount refreshes one account. Concurrent calls for the same
// account serialize on a per-account lock; a waiter that finds the
// credential fresh after acquiring the lock returns without another
// upstream call.
func (r *Refresher) RefreshAccount(ctx context.Context, id string, force bool) error {
	lock := r.accountLock(id)
	lock.Lock()
	defer lock.Unlock()

	acc, err := r.store.Get(id)
	if err != nil {
		return err
	}
	if !force && acc.Credentials.ExpiresAt.After(r.now().Add(r.opts.Lead)) {
		// Refreshed while this caller waited on the lock.
		return nil
	}
	if acc.Credentials.RefreshToken == "" {
		if !acc.Credentials.ExpiresAt.IsZero() && acc.Credentials.ExpiresAt.Before(r.now()) {
			_ = r.store.MarkUnhealthy(id, "credentials expired and no refresh token")
			return fmt.Errorf("account %s: credentials expired and no refresh token", id)
		}
		return nil
	}

	renewed, err := r.client.Refresh(ctx, &kiro.TokenSet{
		AccessToken:  acc.Credentials.AccessToken,
		RefreshToken: acc.Credentials.RefreshToken,
		ExpiresAt:    acc.Credentials.ExpiresAt,
		AuthKind:     acc.Credentials.AuthKind,
		ClientID:     acc.Metadata["client_id"],
		ClientSecret: acc.Metadata["client_secret"],
		ProfileARN:   acc.ProfileARN(),
	})
	if err != nil {
		_ = r.store.MarkUnhealthy(id, fmt.Sprintf("refresh failed: %v", err))
		log.WithError(err).WithField("account", id).Warn("Credential refresh failed")
		return err
	}

	env := CredentialEnvelope{
		AccessToken:  renewed.AccessToken,
		RefreshToken: renewed.RefreshToken,
		ExpiresAt:    renewed.ExpiresAt,
		AuthKind:     acc.Credentials.AuthKind,
	}
	if err := r.store.UpdateCredentials(id, env); err != nil {
		return err
	}
	_ = r.store.MarkActive(id)
	log.WithFields(log.Fields{
		"account": id,
		"expires": renewed.ExpiresAt.Format(time.RFC3339),
	}).Info("Credential refreshed")
	return nil
}

func (r *Refresher) accountLock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	return lock
}
