package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pastebin/pkg/domain"
)

func TestLRUGetSet(t *testing.T) {
	c, err := NewLRU(2)
	require.NoError(t, err)
	now := time.Now()
	c.Set(&domain.Paste{ShortID: "aaaaa", Content: "a", ExpiresAt: now.Add(time.Hour)})
	got := c.Get("aaaaa")
	require.NotNil(t, got)
	assert.Equal(t, "a", got.Content)

	got.Content = "mutated"
	assert.Equal(t, "a", c.Get("aaaaa").Content)
	assert.Nil(t, c.Get("bbbbb"))
}

func TestLRUEvictsLeastRecent(t *testing.T) {
	c, err := NewLRU(2)
	require.NoError(t, err)
	exp := time.Now().Add(time.Hour)
	c.Set(&domain.Paste{ShortID: "aaaaa", ExpiresAt: exp})
	c.Set(&domain.Paste{ShortID: "bbbbb", ExpiresAt: exp})
	c.Get("aaaaa")
	c.Set(&domain.Paste{ShortID: "ccccc", ExpiresAt: exp})
	assert.NotNil(t, c.Get("aaaaa"))
	assert.Nil(t, c.Get("bbbbb"))
	assert.Equal(t, 2, c.Len())
}

func TestLRUHonoursPasteExpiry(t *testing.T) {
	c, err := NewLRU(10)
	require.NoError(t, err)
	now := time.Now()
	c.now = func() time.Time { return now }
	c.Set(&domain.Paste{ShortID: "aaaaa", ExpiresAt: now.Add(time.Minute)})
	c.Set(&domain.Paste{ShortID: "bbbbb", ExpiresAt: now.Add(-time.Minute)})
	assert.Equal(t, 1, c.Len())

	c.now = func() time.Time { return now.Add(2 * time.Minute) }
	assert.Nil(t, c.Get("aaaaa"))
	assert.Zero(t, c.Len())
}

func TestLRUDelete(t *testing.T) {
	c, err := NewLRU(10)
	require.NoError(t, err)
	c.Set(&domain.Paste{ShortID: "aaaaa", ExpiresAt: time.Now().Add(time.Hour)})
	c.Delete("aaaaa")
	assert.Nil(t, c.Get("aaaaa"))
}

func TestNewLRUValidation(t *testing.T) {
	_, err := NewLRU(0)
	assert.Error(t, err)
	_, err = NewLRU(100001)
	assert.Error(t, err)
}
