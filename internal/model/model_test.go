package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONMapValueScan(t *testing.T) {
	m := JSONMap{"module": "supply", "n": 2}
	v, err := m.Value()
	require.NoError(t, err)

	var out JSONMap
	require.NoError(t, out.Scan(v))
	assert.Equal(t, "supply", out["module"])
	assert.EqualValues(t, 2, out["n"])

	require.NoError(t, out.Scan([]byte(`{"a":true}`)))
	assert.Equal(t, true, out["a"])

	require.NoError(t, out.Scan(nil))
	assert.Nil(t, out)

	assert.Error(t, out.Scan(42))

	var nilMap JSONMap
	v, err = nilMap.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestScopeTypeValid(t *testing.T) {
	assert.True(t, ScopeProject.Valid())
	assert.False(t, ScopeType("team").Valid())
}

func TestAlive(t *testing.T) {
	now := time.Now()
	r := PresenceRecord{LastSeenAt: now.Add(-89 * time.Second)}
	assert.True(t, r.Alive(now, 90*time.Second))
	r.LastSeenAt = now.Add(-90 * time.Second)
	assert.False(t, r.Alive(now, 90*time.Second))

	e := EditingEntry{LastSeenAt: now.Add(-91 * time.Second)}
	assert.False(t, e.Alive(now, 90*time.Second))
}
