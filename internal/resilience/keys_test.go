package resilience

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeyManager(t *testing.T, keys []string, cfg KeyManagerConfig) *KeyManager {
	t.Helper()
	km, err := NewKeyManager(keys, cfg)
	require.NoError(t, err)
	return km
}

func TestNewKeyManagerNoKeys(t *testing.T) {
	_, err := NewKeyManager(nil, KeyManagerConfig{})
	require.ErrorIs(t, err, ErrNoKeys)

	_, err = NewKeyManager([]string{"", "  "}, KeyManagerConfig{})
	require.ErrorIs(t, err, ErrNoKeys)
}

func TestNewKeyManagerFiltersPlaceholdersInProduction(t *testing.T) {
	_, err := NewKeyManager([]string{"demo", "your_api_key_here"}, KeyManagerConfig{Production: true})
	require.ErrorIs(t, err, ErrNoKeys)

	km := newTestKeyManager(t, []string{"demo", "real-key-1234"}, KeyManagerConfig{Production: true})
	assert.Equal(t, 1, km.Stats().Total)

	// Development keeps placeholder keys so local runs work.
	km = newTestKeyManager(t, []string{"demo"}, KeyManagerConfig{})
	assert.Equal(t, "demo", km.GetCurrentKey())
}

func TestRotateKeySingleKeyIdempotent(t *testing.T) {
	km := newTestKeyManager(t, []string{"only-key-1234"}, KeyManagerConfig{})

	for i := 0; i < 3; i++ {
		assert.Equal(t, "only-key-1234", km.RotateKey())
	}
	assert.Equal(t, 3, km.KeyStatuses()[0].RateLimitHits)
}

func TestRotateKeyRoundRobinSkipsDisabled(t *testing.T) {
	km := newTestKeyManager(t, []string{"key-aaaa", "key-bbbb", "key-cccc"}, KeyManagerConfig{})

	assert.Equal(t, "key-aaaa", km.GetCurrentKey())
	assert.Equal(t, "key-bbbb", km.RotateKey())

	require.True(t, km.DisableKey("key-cccc"))
	assert.Equal(t, "key-aaaa", km.RotateKey())
	assert.Equal(t, "key-bbbb", km.RotateKey())
}

func TestRecordErrorDisablesKey(t *testing.T) {
	km := newTestKeyManager(t, []string{"key-aaaa", "key-bbbb"}, KeyManagerConfig{MaxErrors: 3})

	for i := 0; i < 4; i++ {
		km.RecordError("401 unauthorized")
	}

	statuses := km.KeyStatuses()
	assert.False(t, statuses[0].IsActive)
	assert.Equal(t, 4, statuses[0].ErrorCount)
	assert.Equal(t, "401 unauthorized", statuses[0].LastError)
	assert.Equal(t, 20, statuses[0].HealthScore)

	// The pool moved on to the healthy key.
	assert.Equal(t, "key-bbbb", km.GetCurrentKey())

	// Success on the now-current key must not re-activate the disabled one.
	km.RecordSuccess()
	statuses = km.KeyStatuses()
	assert.False(t, statuses[0].IsActive)
	assert.True(t, statuses[1].IsActive)
}

func TestRecordSuccessRestoresHealth(t *testing.T) {
	km := newTestKeyManager(t, []string{"key-aaaa"}, KeyManagerConfig{MaxErrors: 10})

	km.RecordError("timeout")
	km.RecordError("timeout")
	assert.Equal(t, 60, km.KeyStatuses()[0].HealthScore)

	km.RecordSuccess()
	st := km.KeyStatuses()[0]
	assert.Equal(t, 70, st.HealthScore)
	assert.Equal(t, 0, st.ErrorCount)
	assert.Empty(t, st.LastError)
}

func TestAllKeysDisabledDegradesNotCrashes(t *testing.T) {
	km := newTestKeyManager(t, []string{"key-aaaa", "key-bbbb"}, KeyManagerConfig{})

	require.True(t, km.DisableKey("key-aaaa"))
	require.True(t, km.DisableKey("key-bbbb"))

	// Still hands back a key so the transport can surface the real error.
	assert.NotEmpty(t, km.GetCurrentKey())
	assert.NotEmpty(t, km.RotateKey())
	assert.Equal(t, 0, km.Stats().Active)
}

func TestEnableKeyResetsHealth(t *testing.T) {
	km := newTestKeyManager(t, []string{"key-aaaa", "key-bbbb"}, KeyManagerConfig{MaxErrors: 1})

	km.RecordError("boom")
	km.RecordError("boom")
	require.False(t, km.KeyStatuses()[0].IsActive)

	require.True(t, km.EnableKey("key-aaaa"))
	st := km.KeyStatuses()[0]
	assert.True(t, st.IsActive)
	assert.Equal(t, 100, st.HealthScore)
	assert.Equal(t, 0, st.ErrorCount)

	assert.False(t, km.EnableKey("unknown"))
}

func TestKeyStatusesMasksKeys(t *testing.T) {
	km := newTestKeyManager(t, []string{"supersecretkey"}, KeyManagerConfig{})

	st := km.KeyStatuses()[0]
	assert.Equal(t, "supe**********", st.Key)
}

func TestStats(t *testing.T) {
	km := newTestKeyManager(t, []string{"key-aaaa", "key-bbbb"}, KeyManagerConfig{})
	require.True(t, km.DisableKey("key-bbbb"))

	stats := km.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Disabled)
	assert.Equal(t, 100, stats.AverageHealth)
}

func TestGetCurrentKeyStampsLastUsed(t *testing.T) {
	km := newTestKeyManager(t, []string{"key-aaaa"}, KeyManagerConfig{})

	require.True(t, km.KeyStatuses()[0].LastUsed.IsZero())
	km.GetCurrentKey()
	assert.False(t, km.KeyStatuses()[0].LastUsed.IsZero())
}
