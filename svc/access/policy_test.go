package access

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pastebin/pkg/domain"
	"pastebin/svc/lim"
)

type plainVerifier struct {
	calls int
	err   error
}

func (v *plainVerifier) Verify(_ context.Context, password, encoded string) (bool, error) {
	v.calls++
	if v.err != nil {
		return false, v.err
	}
	return "hash:"+password == encoded, nil
}

type brokenAttempts struct{}

func (brokenAttempts) Record(context.Context, string, time.Time) error { return errors.New("down") }
func (brokenAttempts) Count(context.Context, string, time.Time) (int, error) {
	return 0, errors.New("down")
}

func privatePaste() *domain.Paste {
	return &domain.Paste{ShortID: "priv1", IsPrivate: true, PasswordHash: "hash:secret"}
}

func newPolicy() (*Policy, *plainVerifier, *lim.MemoryAttempts) {
	v := &plainVerifier{}
	a := lim.NewMemoryAttempts(time.Minute)
	return New(a, v, 5), v, a
}

func TestPublicPasteAlwaysViewable(t *testing.T) {
	p, v, _ := newPolicy()
	d := p.CheckView(context.Background(), &domain.Paste{ShortID: "pub01"}, "", "1.1.1.1", time.Now())
	assert.True(t, d.Allowed)
	assert.Zero(t, v.calls)
	assert.NoError(t, d.Err())
}

func TestPublicPasteNotDeletable(t *testing.T) {
	p, _, _ := newPolicy()
	d := p.CheckDelete(context.Background(), &domain.Paste{ShortID: "pub01"}, "anything", "1.1.1.1", time.Now())
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNotDeletable, d.Reason)
	assert.ErrorIs(t, d.Err(), domain.ErrNotDeletable)
}

func TestPrivatePasteFlow(t *testing.T) {
	p, _, attempts := newPolicy()
	ctx := context.Background()
	now := time.Now()

	d := p.CheckView(ctx, privatePaste(), "", "1.1.1.1", now)
	assert.Equal(t, ReasonPasswordRequired, d.Reason)
	n, _ := attempts.Count(ctx, "1.1.1.1", now)
	assert.Zero(t, n, "empty password is not a failed attempt")

	d = p.CheckView(ctx, privatePaste(), "wrong", "1.1.1.1", now)
	assert.Equal(t, ReasonBadPassword, d.Reason)
	assert.ErrorIs(t, d.Err(), domain.ErrInvalidPassword)

	d = p.CheckView(ctx, privatePaste(), "secret", "1.1.1.1", now)
	assert.True(t, d.Allowed)
	n, _ = attempts.Count(ctx, "1.1.1.1", now)
	assert.Equal(t, 1, n, "success does not clear the attempt log")

	d = p.CheckDelete(ctx, privatePaste(), "secret", "1.1.1.1", now)
	assert.True(t, d.Allowed)
}

func TestLockoutAfterFiveFailures(t *testing.T) {
	p, v, _ := newPolicy()
	ctx := context.Background()
	t0 := time.Now()
	for i := 0; i < 5; i++ {
		d := p.CheckView(ctx, privatePaste(), "wrong", "1.1.1.1", t0.Add(time.Duration(i)*time.Second))
		require.Equal(t, ReasonBadPassword, d.Reason)
	}
	calls := v.calls

	d := p.CheckView(ctx, privatePaste(), "secret", "1.1.1.1", t0.Add(10*time.Second))
	assert.Equal(t, ReasonRateLimited, d.Reason)
	assert.ErrorIs(t, d.Err(), domain.ErrAttemptsExceeded)
	assert.Equal(t, calls, v.calls, "no verification while locked")

	d = p.CheckDelete(ctx, privatePaste(), "secret", "1.1.1.1", t0.Add(10*time.Second))
	assert.Equal(t, ReasonRateLimited, d.Reason)

	assert.True(t, p.CheckView(ctx, privatePaste(), "secret", "2.2.2.2", t0.Add(10*time.Second)).Allowed)

	d = p.CheckView(ctx, privatePaste(), "secret", "1.1.1.1", t0.Add(65*time.Second))
	assert.True(t, d.Allowed)
}

func TestCheckUnlocked(t *testing.T) {
	p, _, attempts := newPolicy()
	ctx := context.Background()
	now := time.Now()
	assert.True(t, p.CheckUnlocked(ctx, privatePaste(), "1.1.1.1", now).Allowed)
	for i := 0; i < 5; i++ {
		require.NoError(t, attempts.Record(ctx, "1.1.1.1", now))
	}
	assert.Equal(t, ReasonRateLimited, p.CheckUnlocked(ctx, privatePaste(), "1.1.1.1", now).Reason)
}

func TestFailClosed(t *testing.T) {
	p := New(brokenAttempts{}, &plainVerifier{}, 5)
	d := p.CheckView(context.Background(), privatePaste(), "secret", "1.1.1.1", time.Now())
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonUnavailable, d.Reason)
	assert.ErrorIs(t, d.Err(), domain.ErrUnavailable)

	v := &plainVerifier{err: errors.New("queue full")}
	p = New(lim.NewMemoryAttempts(time.Minute), v, 5)
	d = p.CheckView(context.Background(), privatePaste(), "secret", "1.1.1.1", time.Now())
	assert.Equal(t, ReasonUnavailable, d.Reason)
}
