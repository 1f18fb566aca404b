package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSelector(t *testing.T) (*Selector, *Store, *fakeClock) {
	t.Helper()
	s, clock, _ := newTestStore(t)
	sel := NewSelector(s, DefaultSessionTTL)
	sel.now = clock.Now
	return sel, s, clock
}

func TestSessionSticksToAccount(t *testing.T) {
	sel, s, clock := newTestSelector(t)

	_, _, err := s.Add(AddOptions{Provenance: ProvenanceSocialGoogle, Credentials: envelope("a", "ra", time.Hour, clock)})
	require.NoError(t, err)
	_, _, err = s.Add(AddOptions{Provenance: ProvenanceSocialGoogle, Credentials: envelope("b", "rb", time.Hour, clock)})
	require.NoError(t, err)

	first, err := sel.Pick("session-1", nil)
	require.NoError(t, err)
	s.Release(first.ID, true, "")

	// Plain LRU would now prefer the other account; the session must not.
	clock.Advance(time.Second)
	second, err := sel.Pick("session-1", nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	s.Release(second.ID, true, "")
	assert.Equal(t, 1, sel.SessionCount())
}

func TestSessionlessRequestsSpreadByLRU(t *testing.T) {
	sel, s, clock := newTestSelector(t)

	_, _, err := s.Add(AddOptions{Provenance: ProvenanceSocialGoogle, Credentials: envelope("a", "ra", time.Hour, clock)})
	require.NoError(t, err)
	_, _, err = s.Add(AddOptions{Provenance: ProvenanceSocialGoogle, Credentials: envelope("b", "rb", time.Hour, clock)})
	require.NoError(t, err)

	first, err := sel.Pick("", nil)
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := sel.Pick("", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 0, sel.SessionCount())
}

func TestSessionRebindsWhenAccountNotSelectable(t *testing.T) {
	sel, s, clock := newTestSelector(t)

	_, _, err := s.Add(AddOptions{Provenance: ProvenanceSocialGoogle, Credentials: envelope("a", "ra", time.Hour, clock)})
	require.NoError(t, err)
	_, _, err = s.Add(AddOptions{Provenance: ProvenanceSocialGoogle, Credentials: envelope("b", "rb", time.Hour, clock)})
	require.NoError(t, err)

	first, err := sel.Pick("session-1", nil)
	require.NoError(t, err)
	s.Release(first.ID, true, "")

	require.NoError(t, s.MarkCooldown(first.ID, 5*time.Minute))

	clock.Advance(time.Second)
	second, err := sel.Pick("session-1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	s.Release(second.ID, true, "")

	// The binding moved: once the first account recovers the session stays
	// on the replacement.
	clock.Advance(6 * time.Minute)
	third, err := sel.Pick("session-1", nil)
	require.NoError(t, err)
	assert.Equal(t, second.ID, third.ID)
}

func TestSessionExpiresAfterIdleTTL(t *testing.T) {
	sel, s, clock := newTestSelector(t)

	_, _, err := s.Add(AddOptions{Provenance: ProvenanceSocialGoogle, Credentials: envelope("a", "ra", 2*time.Hour, clock)})
	require.NoError(t, err)
	_, _, err = s.Add(AddOptions{Provenance: ProvenanceSocialGoogle, Credentials: envelope("b", "rb", 2*time.Hour, clock)})
	require.NoError(t, err)

	first, err := sel.Pick("session-1", nil)
	require.NoError(t, err)
	s.Release(first.ID, true, "")

	// Past the idle TTL the binding is gone and LRU picks the other
	// account.
	clock.Advance(DefaultSessionTTL + time.Second)
	second, err := sel.Pick("session-1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestSessionStickinessRespectsExclusions(t *testing.T) {
	sel, s, clock := newTestSelector(t)

	_, _, err := s.Add(AddOptions{Provenance: ProvenanceSocialGoogle, Credentials: envelope("a", "ra", time.Hour, clock)})
	require.NoError(t, err)
	_, _, err = s.Add(AddOptions{Provenance: ProvenanceSocialGoogle, Credentials: envelope("b", "rb", time.Hour, clock)})
	require.NoError(t, err)

	first, err := sel.Pick("session-1", nil)
	require.NoError(t, err)
	s.Release(first.ID, true, "")

	clock.Advance(time.Second)
	second, err := sel.Pick("session-1", map[string]bool{first.ID: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestPruneDropsStaleSessions(t *testing.T) {
	sel, s, clock := newTestSelector(t)

	_, _, err := s.Add(AddOptions{Provenance: ProvenanceSocialGoogle, Credentials: envelope("a", "ra", time.Hour, clock)})
	require.NoError(t, err)

	_, err = sel.Pick("session-1", nil)
	require.NoError(t, err)
	_, err = sel.Pick("session-2", nil)
	require.NoError(t, err)
	require.Equal(t, 2, sel.SessionCount())

	clock.Advance(DefaultSessionTTL + time.Second)
	sel.prune(clock.Now())
	assert.Equal(t, 0, sel.SessionCount())
}
