package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "data")
	s, err := Open(dir, zap.NewNop())
	require.NoError(t, err)
	return s, dir
}

func testKey(key string, status KeyStatus, port int) *AccessKey {
	now := time.Now().UTC()
	return &AccessKey{
		TunnelID:   "T-" + key,
		Key:        key,
		UserID:     "u1",
		UserName:   "Alice",
		GameType:   "minecraft",
		Status:     status,
		RemotePort: port,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
		UpdatedAt:  now,
	}
}

func TestInsertAssignsDenseIDs(t *testing.T) {
	s, _ := openTestStore(t)

	for i := 1; i <= 3; i++ {
		k := testKey("k"+string(rune('0'+i)), StatusPending, 10000+i)
		require.NoError(t, s.InsertKey(k))
		assert.Equal(t, int64(i), k.ID)
	}
	assert.Len(t, s.AllKeys(), 3)
}

func TestReloadPreservesRecordsAndNextID(t *testing.T) {
	s, dir := openTestStore(t)
	require.NoError(t, s.InsertKey(testKey("k1", StatusPending, 10000)))
	require.NoError(t, s.InsertKey(testKey("k2", StatusActive, 10001)))

	s2, err := Open(dir, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, s2.AllKeys(), 2)
	assert.Equal(t, "k2", s2.FindKeyByID(2).Key)

	k3 := testKey("k3", StatusPending, 10002)
	require.NoError(t, s2.InsertKey(k3))
	assert.Equal(t, int64(3), k3.ID)
}

func TestFilePermissions(t *testing.T) {
	s, dir := openTestStore(t)
	require.NoError(t, s.InsertKey(testKey("k1", StatusPending, 10000)))

	di, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), di.Mode().Perm())

	fi, err := os.Stat(filepath.Join(dir, keysFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}

func TestOpenCorrectsLooseFileMode(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, keysFile)
	require.NoError(t, os.WriteFile(path, []byte("[]\n"), 0o644))

	_, err := Open(dir, zap.NewNop())
	require.NoError(t, err)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
	di, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), di.Mode().Perm())
}

func TestCorruptFileQuarantined(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, keysFile), []byte("{not json"), 0o600))

	s, err := Open(dir, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, s.AllKeys())

	matches, err := filepath.Glob(filepath.Join(dir, keysFile+".corrupt-*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	// A fresh store starts over at id 1.
	k := testKey("k1", StatusPending, 10000)
	require.NoError(t, s.InsertKey(k))
	assert.Equal(t, int64(1), k.ID)
}

func TestUpdateKey(t *testing.T) {
	s, dir := openTestStore(t)
	k := testKey("k1", StatusPending, 10000)
	require.NoError(t, s.InsertKey(k))

	require.NoError(t, s.UpdateKey(k.ID, func(r *AccessKey) {
		r.Status = StatusActive
		r.ClientID = "run-1"
	}))

	s2, err := Open(dir, zap.NewNop())
	require.NoError(t, err)
	got := s2.FindKeyByID(k.ID)
	require.NotNil(t, got)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, "run-1", got.ClientID)

	assert.ErrorIs(t, s.UpdateKey(999, func(*AccessKey) {}), ErrNotFound)
}

func TestDeleteKey(t *testing.T) {
	s, _ := openTestStore(t)
	k := testKey("k1", StatusPending, 10000)
	require.NoError(t, s.InsertKey(k))
	require.NoError(t, s.DeleteKey(k.ID))
	assert.Nil(t, s.FindKeyByID(k.ID))
	assert.ErrorIs(t, s.DeleteKey(k.ID), ErrNotFound)
}

func TestFinders(t *testing.T) {
	s, _ := openTestStore(t)
	k := testKey("ff-abc", StatusPending, 10000)
	k.TunnelID = "T-12345678"
	require.NoError(t, s.InsertKey(k))

	assert.Equal(t, k, s.FindKeyByKey("ff-abc"))
	assert.Equal(t, k, s.FindKeyByTunnelID("T-12345678"))
	assert.Nil(t, s.FindKeyByKey("nope"))

	live := s.FilterKeys(func(r *AccessKey) bool { return r.Status.Live() })
	assert.Len(t, live, 1)
}

func TestAuditAppendOnlyMonotonic(t *testing.T) {
	s, dir := openTestStore(t)
	require.NoError(t, s.AppendAudit(EventKeyCreated, 1, "created"))
	require.NoError(t, s.AppendAudit(EventKeyActivated, 1, "activated"))
	require.NoError(t, s.AppendAudit(EventProxyClosed, 1, "closed"))

	all := s.AllAudit()
	require.Len(t, all, 3)
	for i, e := range all {
		assert.Equal(t, int64(i+1), e.ID)
		assert.False(t, e.CreatedAt.IsZero())
	}

	s2, err := Open(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s2.AppendAudit(EventKeyExpired, 1, ""))
	assert.Equal(t, int64(4), s2.AllAudit()[3].ID)
}

func TestKeyPrefixTruncates(t *testing.T) {
	assert.Equal(t, "ff-0123456…", KeyPrefix("ff-0123456789abcdef0123456789abcdef"))
	assert.Equal(t, "short", KeyPrefix("short"))
}

func TestResolveGame(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"minecraft", "minecraft", false},
		{"MC", "minecraft", false},
		{"dst", "dont_starve_together", false},
		{" Valheim ", "valheim", false},
		{"doom", "", true},
	}
	for _, tt := range tests {
		g, err := ResolveGame(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			assert.Contains(t, err.Error(), "supported:")
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, g.Type)
	}
}

func TestGameAbbrev(t *testing.T) {
	assert.Equal(t, "mine", GameByType("minecraft").Abbrev())
	assert.Equal(t, "dont", GameByType("dont_starve_together").Abbrev())
	assert.Equal(t, "mc", Game{Type: "mc"}.Abbrev())
}
