package access

import (
	"context"
	"time"

	"pastebin/metrics"
	"pastebin/pkg/domain"
	"pastebin/svc/lim"
	"pastebin/svc/util"
)

type Reason int

const (
	ReasonNone Reason = iota
	ReasonRateLimited
	ReasonPasswordRequired
	ReasonBadPassword
	ReasonNotDeletable
	ReasonUnavailable
)

var reasonNames = map[Reason]string{
	ReasonNone:             "none",
	ReasonRateLimited:      "rate_limited",
	ReasonPasswordRequired: "password_required",
	ReasonBadPassword:      "bad_password",
	ReasonNotDeletable:     "not_deletable",
	ReasonUnavailable:      "unavailable",
}

func (r Reason) String() string { return reasonNames[r] }

type Decision struct {
	Allowed bool
	Reason  Reason
}

func allow() Decision        { return Decision{Allowed: true} }
func deny(r Reason) Decision { return Decision{Reason: r} }

// Err maps a denial onto the error taxonomy; an allowed decision returns nil.
func (d Decision) Err() error {
	switch {
	case d.Allowed:
		return nil
	case d.Reason == ReasonRateLimited:
		return domain.ErrAttemptsExceeded
	case d.Reason == ReasonPasswordRequired:
		return domain.ErrPasswordRequired
	case d.Reason == ReasonBadPassword:
		return domain.ErrInvalidPassword
	case d.Reason == ReasonNotDeletable:
		return domain.ErrNotDeletable
	default:
		return domain.ErrUnavailable
	}
}

type Verifier interface {
	Verify(ctx context.Context, password, encoded string) (bool, error)
}

// Policy decides who may read or delete a paste. Failed password checks are
// recorded per requester; at maxAttempts within the attempt store's window
// the requester is refused without a verification.
type Policy struct {
	attempts    lim.AttemptStore
	verifier    Verifier
	maxAttempts int
}

func New(attempts lim.AttemptStore, verifier Verifier, maxAttempts int) *Policy {
	return &Policy{attempts: attempts, verifier: verifier, maxAttempts: maxAttempts}
}

// Locked reports whether requester has used up its failed attempts.
func (p *Policy) Locked(ctx context.Context, requester string, now time.Time) (bool, error) {
	n, err := p.attempts.Count(ctx, requester, now)
	if err != nil {
		return false, err
	}
	return n >= p.maxAttempts, nil
}
func (p *Policy) CheckView(ctx context.Context, paste *domain.Paste, supplied, requester string, now time.Time) Decision {
	if !paste.IsPrivate {
		return allow()
	}
	return p.checkPassword(ctx, paste, supplied, requester, now)
}
func (p *Policy) CheckDelete(ctx context.Context, paste *domain.Paste, supplied, requester string, now time.Time) Decision {
	if !paste.IsPrivate {
		return deny(ReasonNotDeletable)
	}
	return p.checkPassword(ctx, paste, supplied, requester, now)
}

// CheckUnlocked admits a requester that proved the password earlier in the
// session, unless it is currently locked out.
func (p *Policy) CheckUnlocked(ctx context.Context, paste *domain.Paste, requester string, now time.Time) Decision {
	if !paste.IsPrivate {
		return allow()
	}
	locked, err := p.Locked(ctx, requester, now)
	if err != nil {
		return p.unavailable(err, paste, requester)
	}
	if locked {
		return p.denied(ReasonRateLimited)
	}
	return allow()
}
func (p *Policy) checkPassword(ctx context.Context, paste *domain.Paste, supplied, requester string, now time.Time) Decision {
	locked, err := p.Locked(ctx, requester, now)
	if err != nil {
		return p.unavailable(err, paste, requester)
	}
	if locked {
		return p.denied(ReasonRateLimited)
	}
	if supplied == "" {
		return deny(ReasonPasswordRequired)
	}
	ok, err := p.verifier.Verify(ctx, supplied, paste.PasswordHash)
	if err != nil {
		return p.unavailable(err, paste, requester)
	}
	if ok {
		return allow()
	}
	if err := p.attempts.Record(ctx, requester, now); err != nil {
		return p.unavailable(err, paste, requester)
	}
	util.Info().
		Str("short_id", paste.ShortID).
		Str("ip", util.RedactIP(requester)).
		Msg("failed paste password")
	return p.denied(ReasonBadPassword)
}
func (p *Policy) denied(r Reason) Decision {
	metrics.AccessDenied.WithLabelValues(r.String()).Inc()
	return deny(r)
}
func (p *Policy) unavailable(err error, paste *domain.Paste, requester string) Decision {
	util.Error().Err(err).
		Str("short_id", paste.ShortID).
		Str("ip", util.RedactIP(requester)).
		Msg("access check failed closed")
	return p.denied(ReasonUnavailable)
}
