package credential

import (
	"fmt"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AerNos/firefrp-server/internal/metrics"
	"github.com/AerNos/firefrp-server/internal/ports"
	"github.com/AerNos/firefrp-server/internal/store"
)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	svc     *Service
	st      *store.Store
	rejects *RejectSet
	clock   *testClock
}

func newFixture(t *testing.T, lo, hi int) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "data"), zap.NewNop())
	require.NoError(t, err)
	alloc, err := ports.New(lo, hi)
	require.NoError(t, err)

	rejects := NewRejectSet()
	svc := New(Config{
		Store:     st,
		Allocator: alloc,
		Rejects:   rejects,
		Metrics:   metrics.New(),
		Logger:    zap.NewNop(),
		KeyPrefix: "ff-",
	})
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc.now = clock.Now
	return &fixture{svc: svc, st: st, rejects: rejects, clock: clock}
}

func (f *fixture) create(t *testing.T, user, group, game string) *store.AccessKey {
	t.Helper()
	rec, err := f.svc.Create(CreateParams{
		UserID:   user,
		UserName: "Alice",
		GroupID:  group,
		GameType: game,
		TTL:      60 * time.Minute,
	})
	require.NoError(t, err)
	return rec
}

var (
	keyRe    = regexp.MustCompile(`^ff-[0-9a-f]{32}$`)
	tunnelRe = regexp.MustCompile(`^T-[0-9a-f]{8}$`)
)

func TestCreateShape(t *testing.T) {
	f := newFixture(t, 10000, 10002)
	rec := f.create(t, "u1", "g1", "minecraft")

	assert.Equal(t, int64(1), rec.ID)
	assert.Regexp(t, keyRe, rec.Key)
	assert.Regexp(t, tunnelRe, rec.TunnelID)
	assert.Equal(t, store.StatusPending, rec.Status)
	assert.Equal(t, "ff-1-mine", rec.ProxyName)
	assert.GreaterOrEqual(t, rec.RemotePort, 10000)
	assert.LessOrEqual(t, rec.RemotePort, 10002)
	assert.Equal(t, f.clock.Now().Add(60*time.Minute), rec.ExpiresAt)
	assert.Nil(t, rec.ActivatedAt)

	// key_created audit row exists and never carries the full key.
	rows := f.st.FilterAudit(func(e *store.AuditEntry) bool {
		return e.EventType == store.EventKeyCreated
	})
	require.Len(t, rows, 1)
	assert.NotContains(t, rows[0].Details, rec.Key)
	assert.Contains(t, rows[0].Details, store.KeyPrefix(rec.Key))
}

func TestKeysAndPortsAreUnique(t *testing.T) {
	f := newFixture(t, 10000, 10019)

	seenKeys := map[string]bool{}
	seenPorts := map[int]bool{}
	for i := 0; i < 12; i++ {
		rec := f.create(t, fmt.Sprintf("u%d", i/3), "", "terraria")
		assert.False(t, seenKeys[rec.Key], "duplicate key")
		assert.False(t, seenPorts[rec.RemotePort], "duplicate port %d", rec.RemotePort)
		seenKeys[rec.Key] = true
		seenPorts[rec.RemotePort] = true
	}
}

func TestPerUserCap(t *testing.T) {
	f := newFixture(t, 10000, 10010)

	for i := 0; i < MaxLiveKeysPerUser; i++ {
		f.create(t, "u1", "", "minecraft")
	}
	_, err := f.svc.Create(CreateParams{UserID: "u1", GameType: "minecraft", TTL: time.Hour})
	assert.ErrorIs(t, err, ErrUserLimit)

	// Terminating one frees a slot.
	first := f.svc.AllLive()[0]
	_, err = f.svc.Revoke(first.ID)
	require.NoError(t, err)
	f.create(t, "u1", "", "minecraft")
}

func TestPerGroupHourlyRate(t *testing.T) {
	f := newFixture(t, 10000, 10050)

	for i := 0; i < MaxOpensPerGroupPerHour; i++ {
		f.create(t, fmt.Sprintf("u%d", i), "g1", "valheim")
	}
	_, err := f.svc.Create(CreateParams{UserID: "fresh", GroupID: "g1", GameType: "valheim", TTL: time.Hour})
	assert.ErrorIs(t, err, ErrGroupLimit)

	// Another group is unaffected.
	f.create(t, "fresh", "g2", "valheim")

	// The window slides: an hour later the budget is back.
	f.clock.Advance(61 * time.Minute)
	f.create(t, "fresh2", "g1", "valheim")
}

func TestPoolExhaustedLeavesNoRecord(t *testing.T) {
	f := newFixture(t, 10000, 10001)
	f.create(t, "u1", "", "minecraft")
	f.create(t, "u2", "", "minecraft")

	_, err := f.svc.Create(CreateParams{UserID: "u3", GameType: "minecraft", TTL: time.Hour})
	assert.ErrorIs(t, err, ports.ErrPoolExhausted)
	assert.Len(t, f.st.AllKeys(), 2)
}

func TestValidateStrictCodes(t *testing.T) {
	f := newFixture(t, 10000, 10010)

	_, code := f.svc.Validate("ff-none")
	assert.Equal(t, CodeKeyNotFound, code)

	pending := f.create(t, "u1", "", "minecraft")
	rec, code := f.svc.Validate(pending.Key)
	assert.Equal(t, CodeOK, code)
	assert.Equal(t, pending.RemotePort, rec.RemotePort)

	// Idempotent while the state window holds.
	rec2, code2 := f.svc.Validate(pending.Key)
	assert.Equal(t, CodeOK, code2)
	assert.Equal(t, rec, rec2)

	_, ok := f.svc.Activate(pending.Key, "run-1")
	require.True(t, ok)
	_, code = f.svc.Validate(pending.Key)
	assert.Equal(t, CodeKeyAlreadyUsed, code)

	revoked := f.create(t, "u2", "", "minecraft")
	_, err := f.svc.Revoke(revoked.ID)
	require.NoError(t, err)
	_, code = f.svc.Validate(revoked.Key)
	assert.Equal(t, CodeKeyRevoked, code)

	gone := f.create(t, "u3", "", "minecraft")
	_, ok = f.svc.Activate(gone.Key, "run-2")
	require.True(t, ok)
	_, err = f.svc.Disconnect(gone.Key)
	require.NoError(t, err)
	_, code = f.svc.Validate(gone.Key)
	assert.Equal(t, CodeKeyDisconnected, code)
}

func TestValidateLazyExpiry(t *testing.T) {
	f := newFixture(t, 10000, 10010)
	rec := f.create(t, "u1", "", "minecraft")

	f.clock.Advance(61 * time.Minute)
	_, code := f.svc.Validate(rec.Key)
	assert.Equal(t, CodeKeyExpired, code)

	assert.Equal(t, store.StatusExpired, f.st.FindKeyByID(rec.ID).Status)
	assert.True(t, f.rejects.Contains(rec.Key))
	rows := f.st.FilterAudit(func(e *store.AuditEntry) bool {
		return e.EventType == store.EventKeyExpired
	})
	assert.Len(t, rows, 1)
}

func TestActivate(t *testing.T) {
	f := newFixture(t, 10000, 10010)
	rec := f.create(t, "u1", "", "minecraft")

	got, ok := f.svc.Activate(rec.Key, "run-1")
	require.True(t, ok)
	assert.Equal(t, store.StatusActive, got.Status)
	assert.Equal(t, "run-1", got.ClientID)
	require.NotNil(t, got.ActivatedAt)
	assert.Equal(t, f.clock.Now(), *got.ActivatedAt)

	// Not pending anymore.
	_, ok = f.svc.Activate(rec.Key, "run-2")
	assert.False(t, ok)
	assert.Equal(t, "run-1", f.svc.GetByKey(rec.Key).ClientID)
}

func TestActivateRefusesExpiredPending(t *testing.T) {
	f := newFixture(t, 10000, 10010)
	rec := f.create(t, "u1", "", "minecraft")
	f.clock.Advance(2 * time.Hour)

	_, ok := f.svc.Activate(rec.Key, "run-1")
	assert.False(t, ok)
}

func TestTerminalStatesAreSinks(t *testing.T) {
	f := newFixture(t, 10000, 10010)
	rec := f.create(t, "u1", "", "minecraft")
	_, err := f.svc.Expire(rec.ID)
	require.NoError(t, err)

	_, err = f.svc.Revoke(rec.ID)
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = f.svc.Disconnect(rec.Key)
	assert.ErrorIs(t, err, ErrTerminal)
	assert.Equal(t, store.StatusExpired, f.svc.GetByKey(rec.Key).Status)
}

func TestExpireDueSweep(t *testing.T) {
	f := newFixture(t, 10000, 10010)
	a := f.create(t, "u1", "", "minecraft")
	_, ok := f.svc.Activate(a.Key, "run-1")
	require.True(t, ok)
	b := f.create(t, "u2", "", "terraria")
	_ = b

	f.clock.Advance(61 * time.Minute)
	fresh, err := f.svc.Create(CreateParams{UserID: "u3", GameType: "valheim", TTL: time.Hour})
	require.NoError(t, err)

	n := f.svc.ExpireDue()
	assert.Equal(t, 2, n)
	assert.Equal(t, store.StatusExpired, f.svc.GetByKey(a.Key).Status)
	assert.True(t, f.rejects.Contains(a.Key))
	assert.True(t, f.rejects.Contains(b.Key))
	assert.Equal(t, store.StatusPending, f.svc.GetByKey(fresh.Key).Status)
	assert.False(t, f.rejects.Contains(fresh.Key))

	// Second sweep finds nothing new.
	assert.Equal(t, 0, f.svc.ExpireDue())
}

func TestRejectSetRebuildHonorsHorizon(t *testing.T) {
	f := newFixture(t, 10000, 10010)
	now := f.clock.Now()

	recent := f.create(t, "u1", "", "minecraft")
	_, err := f.svc.Revoke(recent.ID)
	require.NoError(t, err)

	old := f.create(t, "u2", "", "minecraft")
	_, err = f.svc.Revoke(old.ID)
	require.NoError(t, err)
	require.NoError(t, f.st.UpdateKey(old.ID, func(k *store.AccessKey) {
		k.UpdatedAt = now.Add(-25 * time.Hour)
	}))

	live := f.create(t, "u3", "", "minecraft")

	fresh := NewRejectSet()
	n := fresh.RebuildFromStore(f.st, 24*time.Hour, now)
	assert.Equal(t, 1, n)
	assert.True(t, fresh.Contains(recent.Key))
	assert.False(t, fresh.Contains(old.Key))
	assert.False(t, fresh.Contains(live.Key))
}

func TestRejectSetPrune(t *testing.T) {
	r := NewRejectSet()
	now := time.Now()
	r.addAt("old", now.Add(-25*time.Hour))
	r.addAt("new", now.Add(-time.Hour))

	removed := r.Prune(24*time.Hour, now)
	assert.Equal(t, 1, removed)
	assert.False(t, r.Contains("old"))
	assert.True(t, r.Contains("new"))
	assert.Equal(t, 1, r.Len())
}

func TestAuditOrderPerKey(t *testing.T) {
	f := newFixture(t, 10000, 10010)
	rec := f.create(t, "u1", "", "minecraft")
	_, ok := f.svc.Activate(rec.Key, "run-1")
	require.True(t, ok)
	_, err := f.svc.Disconnect(rec.Key)
	require.NoError(t, err)

	rows := f.st.FilterAudit(func(e *store.AuditEntry) bool { return e.KeyID == rec.ID })
	require.Len(t, rows, 3)
	assert.Equal(t, store.EventKeyCreated, rows[0].EventType)
	assert.Equal(t, store.EventKeyActivated, rows[1].EventType)
	assert.Equal(t, store.EventKeyDisconnected, rows[2].EventType)
	assert.Less(t, rows[0].ID, rows[1].ID)
	assert.Less(t, rows[1].ID, rows[2].ID)
}

func TestIsPortAllocated(t *testing.T) {
	f := newFixture(t, 10000, 10010)
	rec := f.create(t, "u1", "", "minecraft")

	assert.True(t, f.svc.IsPortAllocated(rec.RemotePort))
	_, err := f.svc.Revoke(rec.ID)
	require.NoError(t, err)
	assert.False(t, f.svc.IsPortAllocated(rec.RemotePort))
}

func TestQueriesReturnCopies(t *testing.T) {
	f := newFixture(t, 10000, 10010)
	rec := f.create(t, "u1", "g1", "minecraft")

	got := f.svc.GetByKey(rec.Key)
	got.Status = store.StatusRevoked
	got.UserName = "Mallory"

	assert.Equal(t, store.StatusPending, f.svc.GetByKey(rec.Key).Status)
	assert.Equal(t, "Alice", f.svc.GetByKey(rec.Key).UserName)

	byGroup := f.svc.LiveByGroup("g1")
	require.Len(t, byGroup, 1)
	byUser := f.svc.LiveByUser("u1")
	require.Len(t, byUser, 1)
	assert.Equal(t, rec.TunnelID, f.svc.GetByTunnelID(rec.TunnelID).TunnelID)
}
