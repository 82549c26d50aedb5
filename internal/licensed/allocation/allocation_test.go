package allocation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	internalerrors "github.com/rcourtman/licensed/internal/errors"
	"github.com/rcourtman/licensed/internal/licensed/keygen"
	"github.com/rcourtman/licensed/internal/licensed/ledger"
	"github.com/rcourtman/licensed/internal/licensed/store"
	"github.com/rcourtman/licensed/internal/licensed/tokenpool"
)

var t0 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return t0 }

type testEnv struct {
	store  *store.Store
	engine *Engine
}

func newTestEnv(t *testing.T, keys KeyGenerator) *testEnv {
	t.Helper()
	s, err := store.Open(t.TempDir(), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	if keys == nil {
		keys = keygen.New("", "")
	}
	return &testEnv{store: s, engine: New(s, keys, fixedNow)}
}

func (e *testEnv) addToken(t *testing.T, exclusive bool, maxAssignments *int) int64 {
	t.Helper()
	id, err := tokenpool.Add(context.Background(), e.store.DB(), tokenpool.NewToken{
		Encrypted:      "cafebabe",
		IV:             "00112233445566778899aabbccddeeff",
		Exclusive:      exclusive,
		MaxAssignments: maxAssignments,
	}, t0)
	require.NoError(t, err)
	return id
}

func (e *testEnv) token(t *testing.T, id int64) *tokenpool.Token {
	t.Helper()
	tok, err := tokenpool.Get(context.Background(), e.store.DB(), id)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) licenseCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, e.store.DB().QueryRowContext(context.Background(), `SELECT COUNT(*) FROM licenses`).Scan(&n))
	return n
}

func (e *testEnv) consumedCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, e.store.DB().QueryRowContext(context.Background(), `SELECT COUNT(*) FROM cursor_tokens WHERE is_consumed = 1`).Scan(&n))
	return n
}

// scriptedKeys replays keys before falling back to random generation.
type scriptedKeys struct {
	mu       sync.Mutex
	keys     []string
	fallback *keygen.Generator
}

func newScriptedKeys(keys ...string) *scriptedKeys {
	return &scriptedKeys{keys: keys, fallback: keygen.New("", "")}
}

func (s *scriptedKeys) LicenseKey() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.keys) > 0 {
		k := s.keys[0]
		s.keys = s.keys[1:]
		return k, nil
	}
	return s.fallback.LicenseKey()
}

func (s *scriptedKeys) DisplayEmail() (string, error) {
	return s.fallback.DisplayEmail()
}

func intPtr(v int) *int { return &v }

func TestExclusiveBatchConsumesToken(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	t1 := env.addToken(t, true, nil)

	issued, err := env.engine.GenerateBatch(ctx, BatchRequest{Count: 1, ValidDays: 7, Mode: ModeExclusive, CreatedBy: "admin"})
	require.NoError(t, err)
	require.Len(t, issued, 1)
	assert.True(t, issued[0].Exclusive)
	assert.Equal(t, t1, issued[0].TokenID)
	assert.Equal(t, 1, issued[0].MaxDevices)
	assert.True(t, strings.HasPrefix(issued[0].LicenseKey, "CK-"))

	tok := env.token(t, t1)
	assert.True(t, tok.Consumed)
	assert.Equal(t, tokenpool.StatusExhausted, tok.Status)

	l, err := ledger.GetByKey(ctx, env.store.DB(), issued[0].LicenseKey)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, l.Status)
	require.NotNil(t, l.TokenID)
	assert.Equal(t, t1, *l.TokenID)
	assert.Equal(t, "admin", l.CreatedBy)

	_, err = env.engine.GenerateBatch(ctx, BatchRequest{Count: 1, ValidDays: 7, Mode: ModeExclusive})
	assert.True(t, internalerrors.HasCode(err, internalerrors.CodeInsufficientExclusiveToken))
	assert.Equal(t, 1, env.licenseCount(t))
}

func TestConcurrentExclusiveBatchesNeverDoubleConsume(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 5; i++ {
		env.addToken(t, true, nil)
	}

	results := make([][]Issued, 2)
	errs := make([]error, 2)
	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			results[i], errs[i] = env.engine.GenerateBatch(context.Background(),
				BatchRequest{Count: 5, ValidDays: 30, Mode: ModeExclusive})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	succeeded := 0
	for i := range results {
		if errs[i] == nil {
			succeeded++
			assert.Len(t, results[i], 5)
			continue
		}
		assert.True(t, internalerrors.HasCode(errs[i], internalerrors.CodeInsufficientExclusiveToken), "unexpected error: %v", errs[i])
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 5, env.consumedCount(t))
	assert.Equal(t, 5, env.licenseCount(t))
}

func TestSharedBatchesLoadBalance(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	tokens := []int64{env.addToken(t, false, nil), env.addToken(t, false, nil), env.addToken(t, false, nil)}

	for round := 1; round <= 3; round++ {
		issued, err := env.engine.GenerateBatch(ctx, BatchRequest{Count: 2, ValidDays: 1, Mode: ModeShared})
		require.NoError(t, err)
		require.Len(t, issued, 2)
		assert.NotEqual(t, issued[0].TokenID, issued[1].TokenID)

		sum, lo, hi := 0, 1<<30, 0
		for _, id := range tokens {
			c := env.token(t, id).AssignedCount
			sum += c
			lo = min(lo, c)
			hi = max(hi, c)
		}
		assert.Equal(t, 2*round, sum)
		assert.LessOrEqual(t, hi-lo, 1)
	}
	for _, id := range tokens {
		assert.False(t, env.token(t, id).Consumed)
	}
}

func TestSharedBatchRespectsQuota(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	capped := env.addToken(t, false, intPtr(1))
	open := env.addToken(t, false, nil)

	_, err := env.engine.GenerateBatch(ctx, BatchRequest{Count: 2, ValidDays: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, env.token(t, capped).AssignedCount)

	_, err = env.engine.GenerateBatch(ctx, BatchRequest{Count: 2, ValidDays: 1})
	assert.True(t, internalerrors.HasCode(err, internalerrors.CodeInsufficientTokens))
	assert.ErrorIs(t, err, internalerrors.ErrExhausted)
	assert.Equal(t, 1, env.token(t, open).AssignedCount)
	assert.Equal(t, 2, env.licenseCount(t))
}

func TestExclusiveTokensAreNotUsedForSharedBatches(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addToken(t, true, nil)
	_, err := env.engine.GenerateBatch(context.Background(), BatchRequest{Count: 1, ValidDays: 1, Mode: ModeShared})
	assert.True(t, internalerrors.HasCode(err, internalerrors.CodeInsufficientTokens))
}

func TestKeyCollisionIsRetried(t *testing.T) {
	const taken = "CK-TAKN-TAKN-TAKN"
	keys := newScriptedKeys(taken, taken, "CK-FRSH-FRSH-FRSH")
	env := newTestEnv(t, keys)
	ctx := context.Background()
	_, err := ledger.Insert(ctx, env.store.DB(), ledger.NewLicense{Key: taken, ValidDays: 1, MaxDevices: 1}, t0)
	require.NoError(t, err)
	env.addToken(t, false, nil)

	issued, err := env.engine.GenerateBatch(ctx, BatchRequest{Count: 1, ValidDays: 1})
	require.NoError(t, err)
	assert.Equal(t, "CK-FRSH-FRSH-FRSH", issued[0].LicenseKey)
}

func TestExhaustedKeyRetriesRollBackWholeBatch(t *testing.T) {
	const taken = "CK-TAKN-TAKN-TAKN"
	keys := newScriptedKeys("CK-AAAA-AAAA-AAAA", "CK-BBBB-BBBB-BBBB", taken, taken, taken, taken, taken)
	env := newTestEnv(t, keys)
	ctx := context.Background()
	_, err := ledger.Insert(ctx, env.store.DB(), ledger.NewLicense{Key: taken, ValidDays: 1, MaxDevices: 1}, t0)
	require.NoError(t, err)
	tokens := []int64{env.addToken(t, true, nil), env.addToken(t, true, nil), env.addToken(t, true, nil)}

	_, err = env.engine.GenerateBatch(ctx, BatchRequest{Count: 3, ValidDays: 1, Mode: ModeExclusive})
	assert.True(t, internalerrors.HasCode(err, internalerrors.CodeKeyCollision))

	assert.Equal(t, 1, env.licenseCount(t))
	for _, id := range tokens {
		tok := env.token(t, id)
		assert.False(t, tok.Consumed)
		assert.Zero(t, tok.AssignedCount)
		assert.Equal(t, tokenpool.StatusAvailable, tok.Status)
	}
}

func TestManualBatchUsesEachTokensExclusivity(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	exclusive := env.addToken(t, true, nil)
	shared := env.addToken(t, false, nil)

	issued, err := env.engine.GenerateBatch(ctx, BatchRequest{
		Count: 2, ValidDays: 3, Mode: ModeManual, TokenIDs: []int64{shared, exclusive},
	})
	require.NoError(t, err)
	require.Len(t, issued, 2)
	assert.Equal(t, shared, issued[0].TokenID)
	assert.False(t, issued[0].Exclusive)
	assert.Equal(t, exclusive, issued[1].TokenID)
	assert.True(t, issued[1].Exclusive)

	assert.True(t, env.token(t, exclusive).Consumed)
	assert.Equal(t, 1, env.token(t, shared).AssignedCount)
	assert.False(t, env.token(t, shared).Consumed)

	_, err = env.engine.GenerateBatch(ctx, BatchRequest{
		Count: 2, ValidDays: 3, Mode: ModeManual, TokenIDs: []int64{shared, exclusive},
	})
	assert.True(t, internalerrors.HasCode(err, internalerrors.CodeTokenUnavailable))
	assert.Equal(t, 1, env.token(t, shared).AssignedCount)
	assert.Equal(t, 2, env.licenseCount(t))
}

func TestBatchValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addToken(t, false, nil)
	cases := map[string]BatchRequest{
		"zero count":         {Count: 0, ValidDays: 1},
		"count too large":    {Count: MaxBatchSize + 1, ValidDays: 1},
		"negative days":      {Count: 1, ValidDays: -1},
		"too many days":      {Count: 1, ValidDays: MaxValidDays + 1},
		"too many devices":   {Count: 1, ValidDays: 1, MaxDevices: MaxDevices + 1},
		"negative devices":   {Count: 1, ValidDays: 1, MaxDevices: -1},
		"long note":          {Count: 1, ValidDays: 1, Note: strings.Repeat("n", MaxNoteLength+1)},
		"unknown mode":       {Count: 1, ValidDays: 1, Mode: "random"},
		"manual count":       {Count: 2, ValidDays: 1, Mode: ModeManual, TokenIDs: []int64{1}},
		"ids outside manual": {Count: 1, ValidDays: 1, Mode: ModeShared, TokenIDs: []int64{1}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.engine.GenerateBatch(context.Background(), req)
			assert.ErrorIs(t, err, internalerrors.ErrInvalidInput)
		})
	}
	assert.Zero(t, env.licenseCount(t))
}

func TestZeroValidDaysIsAccepted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addToken(t, false, nil)
	issued, err := env.engine.GenerateBatch(context.Background(), BatchRequest{Count: 1, ValidDays: 0, MaxDevices: 3})
	require.NoError(t, err)
	assert.Equal(t, 0, issued[0].ValidDays)
	assert.Equal(t, 3, issued[0].MaxDevices)
}

func TestDeleteLicenseReleasesSharedAssignment(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	shared := env.addToken(t, false, nil)
	issued, err := env.engine.GenerateBatch(ctx, BatchRequest{Count: 1, ValidDays: 1})
	require.NoError(t, err)
	require.NoError(t, ledger.RecordActivation(ctx, env.store.DB(), issued[0].ID, ledger.Device{MachineID: "m-1"}, t0))

	require.NoError(t, env.engine.DeleteLicense(ctx, issued[0].ID))
	assert.Zero(t, env.token(t, shared).AssignedCount)
	assert.Zero(t, env.licenseCount(t))

	acts, err := ledger.ListActivations(ctx, env.store.DB(), issued[0].ID)
	require.NoError(t, err)
	assert.Empty(t, acts)

	assert.ErrorIs(t, env.engine.DeleteLicense(ctx, issued[0].ID), internalerrors.ErrNotFound)
}

func TestDeleteLicenseKeepsExclusiveTokenConsumed(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	exclusive := env.addToken(t, true, nil)
	issued, err := env.engine.GenerateBatch(ctx, BatchRequest{Count: 1, ValidDays: 1, Mode: ModeExclusive})
	require.NoError(t, err)

	require.NoError(t, env.engine.DeleteLicense(ctx, issued[0].ID))
	tok := env.token(t, exclusive)
	assert.True(t, tok.Consumed)
	assert.Zero(t, tok.AssignedCount)

	_, err = env.engine.GenerateBatch(ctx, BatchRequest{Count: 1, ValidDays: 1, Mode: ModeExclusive})
	assert.True(t, internalerrors.HasCode(err, internalerrors.CodeInsufficientExclusiveToken))

	// With no references left the token can be removed from the pool.
	require.NoError(t, tokenpool.Delete(ctx, env.store.DB(), exclusive))
}
