package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalerrors "github.com/rcourtman/licensed/internal/errors"
	"github.com/rcourtman/licensed/internal/licensed/store"
)

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertLicense(t *testing.T, s *store.Store, key string, validDays int) int64 {
	t.Helper()
	id, err := Insert(context.Background(), s.DB(), NewLicense{
		Key:        key,
		Email:      "abcd@example.test",
		ValidDays:  validDays,
		MaxDevices: 1,
		Note:       "batch",
		CreatedBy:  "admin",
	}, t0)
	require.NoError(t, err)
	return id
}

func TestInsertAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := insertLicense(t, s, "CK-AAAA-BBBB-CCCC", 30)

	l, err := Get(ctx, s.DB(), id)
	require.NoError(t, err)
	assert.Equal(t, "CK-AAAA-BBBB-CCCC", l.Key)
	assert.Equal(t, StatusPending, l.Status)
	assert.Equal(t, 30, l.ValidDays)
	assert.Nil(t, l.TokenID)
	assert.Nil(t, l.ActivatedAt)
	assert.Nil(t, l.ExpiresAt)
	assert.Equal(t, t0, l.CreatedAt)

	byKey, err := GetByKey(ctx, s.DB(), " CK-AAAA-BBBB-CCCC ")
	require.NoError(t, err)
	assert.Equal(t, id, byKey.ID)

	_, err = GetByKey(ctx, s.DB(), "CK-NOPE-NOPE-NOPE")
	assert.ErrorIs(t, err, internalerrors.ErrNotFound)
	assert.Equal(t, internalerrors.CodeNotFound, internalerrors.CodeOf(err))
}

func TestInsertDuplicateKeyIsCollision(t *testing.T) {
	s := newTestStore(t)
	insertLicense(t, s, "CK-DUPE-DUPE-DUPE", 1)
	_, err := Insert(context.Background(), s.DB(), NewLicense{Key: "CK-DUPE-DUPE-DUPE", ValidDays: 1, MaxDevices: 1}, t0)
	assert.True(t, internalerrors.HasCode(err, internalerrors.CodeKeyCollision))
}

func TestActivateOnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := insertLicense(t, s, "CK-ONCE-ONCE-ONCE", 7)

	ok, err := Activate(ctx, s.DB(), id, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Activate(ctx, s.DB(), id, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	l, err := Get(ctx, s.DB(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, l.Status)
	require.NotNil(t, l.ActivatedAt)
	require.NotNil(t, l.ExpiresAt)
	require.NotNil(t, l.LastVerifiedAt)
	assert.Equal(t, t0, *l.ActivatedAt)
	assert.Equal(t, t0.Add(7*24*time.Hour), *l.ExpiresAt)
	assert.Equal(t, t0, *l.LastVerifiedAt)
}

func TestActivateZeroDaysExpiresImmediately(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := insertLicense(t, s, "CK-ZERO-ZERO-ZERO", 0)

	ok, err := Activate(ctx, s.DB(), id, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	l, err := Get(ctx, s.DB(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, l.Status)
	require.NotNil(t, l.ExpiresAt)
	assert.Equal(t, t0, *l.ExpiresAt)
	assert.True(t, IsExpired(l, t0))
}

func TestTouchAndExpire(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := insertLicense(t, s, "CK-TUCH-TUCH-TUCH", 3)
	_, err := Activate(ctx, s.DB(), id, t0)
	require.NoError(t, err)

	later := t0.Add(2 * time.Hour)
	require.NoError(t, Touch(ctx, s.DB(), id, later))
	l, err := Get(ctx, s.DB(), id)
	require.NoError(t, err)
	assert.Equal(t, later, *l.LastVerifiedAt)
	assert.Equal(t, t0.Add(3*24*time.Hour), *l.ExpiresAt)

	require.NoError(t, Expire(ctx, s.DB(), id))
	l, err = Get(ctx, s.DB(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, l.Status)
}

func TestRevokeIsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := insertLicense(t, s, "CK-REVK-REVK-REVK", 3)

	require.NoError(t, Revoke(ctx, s.DB(), id))
	require.NoError(t, Revoke(ctx, s.DB(), id))

	ok, err := Activate(ctx, s.DB(), id, t0)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, Expire(ctx, s.DB(), id))

	l, err := Get(ctx, s.DB(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, l.Status)
	assert.Nil(t, l.ExpiresAt)

	assert.ErrorIs(t, Revoke(ctx, s.DB(), id+1), internalerrors.ErrNotFound)
}

func TestSetStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pending := insertLicense(t, s, "CK-PEND-PEND-PEND", 3)
	active := insertLicense(t, s, "CK-ACTV-ACTV-ACTV", 3)
	_, err := Activate(ctx, s.DB(), active, t0)
	require.NoError(t, err)

	require.NoError(t, SetStatus(ctx, s.DB(), active, StatusActive))
	assert.True(t, internalerrors.HasCode(SetStatus(ctx, s.DB(), pending, StatusActive), internalerrors.CodeInvalidTransition))
	assert.True(t, internalerrors.HasCode(SetStatus(ctx, s.DB(), pending, StatusPending), internalerrors.CodeInvalidTransition))

	require.NoError(t, SetStatus(ctx, s.DB(), active, StatusRevoked))
	assert.True(t, internalerrors.HasCode(SetStatus(ctx, s.DB(), active, StatusActive), internalerrors.CodeInvalidTransition))
	assert.ErrorIs(t, SetStatus(ctx, s.DB(), 9999, StatusActive), internalerrors.ErrNotFound)
}

func TestDeleteAndCountByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := insertLicense(t, s, "CK-CNTA-CNTA-CNTA", 3)
	insertLicense(t, s, "CK-CNTB-CNTB-CNTB", 3)
	c := insertLicense(t, s, "CK-CNTC-CNTC-CNTC", 3)
	_, err := Activate(ctx, s.DB(), a, t0)
	require.NoError(t, err)
	require.NoError(t, Revoke(ctx, s.DB(), c))

	counts, err := CountByStatus(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, map[Status]int{StatusPending: 1, StatusActive: 1, StatusExpired: 0, StatusRevoked: 1}, counts)

	require.NoError(t, Delete(ctx, s.DB(), c))
	assert.ErrorIs(t, Delete(ctx, s.DB(), c), internalerrors.ErrNotFound)
	counts, err = CountByStatus(ctx, s.DB())
	require.NoError(t, err)
	assert.Zero(t, counts[StatusRevoked])
}

func TestIsExpiredBoundary(t *testing.T) {
	exp := t0.Add(24 * time.Hour)
	l := &License{ExpiresAt: &exp}
	assert.False(t, IsExpired(l, exp.Add(-time.Millisecond)))
	assert.True(t, IsExpired(l, exp))
	assert.True(t, IsExpired(l, exp.Add(time.Second)))
	assert.False(t, IsExpired(&License{}, t0))
}

func TestRemainingDays(t *testing.T) {
	exp := t0.Add(7 * 24 * time.Hour)
	cases := []struct {
		name string
		now  time.Time
		want int
	}{
		{"fresh", t0, 7},
		{"part day rounds up", t0.Add(time.Hour), 7},
		{"exactly one day left", exp.Add(-24 * time.Hour), 1},
		{"one ms left", exp.Add(-time.Millisecond), 1},
		{"at expiry", exp, 0},
		{"part day past", exp.Add(time.Hour), 0},
		{"two days past", exp.Add(48 * time.Hour), -2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, RemainingDays(exp, tc.now))
		})
	}
}
