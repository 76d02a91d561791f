package util

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenShortIDFormat(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id, err := GenShortID(func(string) (bool, error) { return false, nil }, 1)
		require.NoError(t, err)
		assert.Len(t, id, ShortIDLength)
		assert.True(t, ValidShortID(id), id)
		seen[id] = true
	}
	assert.Greater(t, len(seen), 490)
}

func TestGenShortIDRetriesOnCollision(t *testing.T) {
	calls := 0
	id, err := GenShortID(func(string) (bool, error) {
		calls++
		return calls < 3, nil
	}, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, ValidShortID(id))
}

func TestGenShortIDExhausted(t *testing.T) {
	calls := 0
	_, err := GenShortID(func(string) (bool, error) {
		calls++
		return true, nil
	}, 4)
	require.Error(t, err)
	assert.True(t, IsIDExhausted(err))
	assert.Equal(t, 4, calls)
}

func TestGenShortIDPropagatesLookupError(t *testing.T) {
	boom := errors.New("db down")
	_, err := GenShortID(func(string) (bool, error) { return false, boom }, 3)
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsIDExhausted(err))
}

func TestValidShortID(t *testing.T) {
	assert.True(t, ValidShortID("aZ09x"))
	assert.False(t, ValidShortID("abcd"))
	assert.False(t, ValidShortID("abcdef"))
	assert.False(t, ValidShortID("ab-de"))
	assert.False(t, ValidShortID("ab/de"))
	assert.False(t, ValidShortID("abčd"))
}
