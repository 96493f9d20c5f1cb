// Package dispatch applies role changes against the membership API with
// bounded retries, a shared rate budget and per-member serialization.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/onnwee/voicewarden/telemetry"
)

// Membership is the platform's role membership API.
type Membership interface {
	AddRoles(ctx context.Context, communityID, memberID string, roles []string) error
	RemoveRoles(ctx context.Context, communityID, memberID string, roles []string) error
	CurrentRoles(ctx context.Context, communityID, memberID string) ([]string, error)
}

// Outcome is how a dispatch ended.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeNoop
	OutcomeUnrecoverable
	// OutcomeAborted means the caller's context ended before the change
	// resolved. The change may be partially applied.
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeNoop:
		return "noop"
	case OutcomeUnrecoverable:
		return "unrecoverable"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Result reports a finished dispatch. Added and Removed list the roles known
// to be in their target state. UnappliedAdd and UnappliedRemove list the roles
// still owed to the member; roles deleted from the community are in neither.
type Result struct {
	Outcome         Outcome
	Added           []string
	Removed         []string
	UnappliedAdd    []string
	UnappliedRemove []string
	Attempts        int
	Exhausted       bool
	Err             error
}

// Config bounds retries and the request rate.
type Config struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	CallTimeout   time.Duration
	RatePerSecond float64
	Burst         int
}

// Dispatcher applies role operations. It is safe for concurrent use; calls for
// the same member are serialized.
type Dispatcher struct {
	members Membership
	cfg     Config
	limiter *rate.Limiter
	locks   *keyedMutex
}

// New returns a Dispatcher over members. Zero fields of cfg take defaults; a
// zero RatePerSecond leaves the request rate unbounded.
func New(members Membership, cfg Config) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Dispatcher{
		members: members,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		locks:   newKeyedMutex(),
	}
}

// Apply removes then adds roles for a member, one call per role. Transient
// failures are retried with exponential backoff; before every retry the
// member's current roles are re-read and already-satisfied roles dropped, so a
// call that timed out after taking effect is not repeated.
//
// A fatal error for one role skips that role only; the rest of the change is
// still applied and the result is OutcomeUnrecoverable. A departed member ends
// the dispatch at once.
func (d *Dispatcher) Apply(ctx context.Context, communityID, memberID string, add, remove []string) Result {
	if len(add) == 0 && len(remove) == 0 {
		return Result{Outcome: OutcomeNoop}
	}

	unlock := d.locks.lock(communityID + "/" + memberID)
	defer unlock()

	ctx, span := telemetry.StartSpan(ctx, "voicewarden/dispatch", "dispatch.apply",
		append(telemetry.MemberAttrs(communityID, memberID), telemetry.RoleAttrs(add, remove)...)...)
	defer span.End()
	logger := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "dispatch"),
		slog.String("community", communityID),
		slog.String("member", memberID))

	telemetry.Init()
	start := time.Now()
	defer func() { telemetry.DispatchDuration.Observe(time.Since(start).Seconds()) }()

	pendingAdd := append([]string(nil), add...)
	pendingRemove := append([]string(nil), remove...)
	var failedAdd, failedRemove, gone []string
	var fatal error
	var res Result
	var notBefore time.Time

	// each applies roles one at a time and returns the ones not yet attempted
	// or failed transiently. Roles failing fatally are set aside.
	each := func(op string, roles []string, fn func(context.Context, string, string, []string) error, failed *[]string) ([]string, error) {
		for i, role := range roles {
			err := d.call(ctx, func(cctx context.Context) error {
				return fn(cctx, communityID, memberID, []string{role})
			})
			switch {
			case err == nil:
				telemetry.ObserveRoleOp(op, "applied")
			case errors.Is(err, ErrMemberGone):
				return roles[i:], backoff.Permanent(err)
			case Classify(err) == ErrorClassFatal:
				if fatal == nil {
					fatal = err
				}
				if errors.Is(err, ErrRoleGone) {
					gone = append(gone, role)
				} else {
					*failed = append(*failed, role)
				}
				telemetry.ObserveRoleOp(op, "unrecoverable")
				logger.Warn("role change rejected, skipping role",
					slog.String("op", op), slog.String("role", role), slog.Any("err", err))
			default:
				return roles[i:], d.wrap(err, &notBefore)
			}
		}
		return nil, nil
	}

	operation := func() (struct{}, error) {
		res.Attempts++
		telemetry.DispatchAttempts.Inc()

		if res.Attempts > 1 {
			telemetry.DispatchRetries.Inc()
			if err := sleepUntil(ctx, notBefore); err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
			var current []string
			err := d.call(ctx, func(cctx context.Context) error {
				var err error
				current, err = d.members.CurrentRoles(cctx, communityID, memberID)
				return err
			})
			if err != nil {
				return struct{}{}, d.wrap(err, &notBefore)
			}
			held := make(map[string]bool, len(current))
			for _, r := range current {
				held[r] = true
			}
			pendingRemove = keep(pendingRemove, func(r string) bool { return held[r] })
			pendingAdd = keep(pendingAdd, func(r string) bool { return !held[r] })
		}

		var err error
		if pendingRemove, err = each("remove", pendingRemove, d.members.RemoveRoles, &failedRemove); err != nil {
			return struct{}{}, err
		}
		if pendingAdd, err = each("add", pendingAdd, d.members.AddRoles, &failedAdd); err != nil {
			return struct{}{}, err
		}
		if fatal != nil {
			return struct{}{}, backoff.Permanent(fatal)
		}
		return struct{}{}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.BackoffBase
	b.MaxInterval = d.cfg.BackoffMax
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("role operation failed, retrying",
				slog.Any("err", err),
				slog.Duration("retry_in", next),
				slog.Int("attempt", res.Attempts))
		}))

	res.UnappliedRemove = append(pendingRemove, failedRemove...)
	res.UnappliedAdd = append(pendingAdd, failedAdd...)
	res.Removed = without(remove, append(append([]string(nil), res.UnappliedRemove...), gone...))
	res.Added = without(add, append(append([]string(nil), res.UnappliedAdd...), gone...))
	if err == nil {
		res.Outcome = OutcomeApplied
		telemetry.SetSpanSuccess(span)
		logger.Debug("role operation applied",
			slog.Any("added", add), slog.Any("removed", remove), slog.Int("attempts", res.Attempts))
		return res
	}

	res.Err = err
	telemetry.RecordError(span, err)
	if ctx.Err() != nil && Classify(err) != ErrorClassFatal {
		res.Outcome = OutcomeAborted
		logger.Warn("role operation aborted", slog.Any("err", err), slog.Int("attempts", res.Attempts))
		return res
	}

	res.Outcome = OutcomeUnrecoverable
	label := reason(err)
	if Classify(err) != ErrorClassFatal {
		res.Exhausted = true
		label = "exhausted"
		for range pendingRemove {
			telemetry.ObserveRoleOp("remove", "unrecoverable")
		}
		for range pendingAdd {
			telemetry.ObserveRoleOp("add", "unrecoverable")
		}
	}
	telemetry.DispatchUnrecoverable.WithLabelValues(label).Inc()
	logger.Error("role operation unrecoverable",
		slog.Any("err", err),
		slog.String("reason", label),
		slog.Bool("exhausted", res.Exhausted),
		slog.Int("attempts", res.Attempts),
		slog.Any("unapplied_add", res.UnappliedAdd),
		slog.Any("unapplied_remove", res.UnappliedRemove),
		slog.Any("gone", gone))
	return res
}

// call waits for the rate budget and runs fn under the per-call timeout.
func (d *Dispatcher) call(ctx context.Context, fn func(context.Context) error) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()
	return fn(cctx)
}

// wrap marks fatal errors as permanent. A platform-provided retry delay pushes
// the next attempt out to at least that long.
func (d *Dispatcher) wrap(err error, notBefore *time.Time) error {
	if Classify(err) == ErrorClassFatal {
		return backoff.Permanent(err)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		*notBefore = time.Now().Add(apiErr.RetryAfter)
	}
	return err
}

func sleepUntil(ctx context.Context, t time.Time) error {
	wait := time.Until(t)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func keep(ids []string, pred func(string) bool) []string {
	var out []string
	for _, id := range ids {
		if pred(id) {
			out = append(out, id)
		}
	}
	return out
}

func without(ids, drop []string) []string {
	d := make(map[string]bool, len(drop))
	for _, r := range drop {
		d[r] = true
	}
	return keep(ids, func(r string) bool { return !d[r] })
}
