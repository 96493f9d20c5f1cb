package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/voicewarden/testutil"
)

func testConfig() Config {
	return Config{MaxAttempts: 4, BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond, CallTimeout: time.Second}
}

func TestApplyRemovesThenAdds(t *testing.T) {
	fake := testutil.NewFakeMembership()
	fake.SetRoles("1", "7", "a", "keep")
	var mu sync.Mutex
	var order []string
	fake.Fail = func(op, role string) error {
		mu.Lock()
		order = append(order, op+":"+role)
		mu.Unlock()
		return nil
	}

	d := New(fake, testConfig())
	res := d.Apply(context.Background(), "1", "7", []string{"x"}, []string{"a"})
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []string{"x"}, res.Added)
	assert.Equal(t, []string{"a"}, res.Removed)
	assert.ElementsMatch(t, []string{"keep", "x"}, fake.Roles("1", "7"))
	assert.Equal(t, []string{"remove:a", "add:x"}, order)
}

func TestApplyNoop(t *testing.T) {
	fake := testutil.NewFakeMembership()
	res := New(fake, testConfig()).Apply(context.Background(), "1", "7", nil, nil)
	assert.Equal(t, OutcomeNoop, res.Outcome)
	assert.Zero(t, fake.Calls("add")+fake.Calls("remove")+fake.Calls("get"))
}

func TestApplyRetriesTransient(t *testing.T) {
	fake := testutil.NewFakeMembership()
	fake.SetRoles("1", "7")
	var failures atomic.Int32
	fake.Fail = func(op, role string) error {
		if op == "add" && failures.Add(1) <= 2 {
			return &APIError{Status: 503}
		}
		return nil
	}

	res := New(fake, testConfig()).Apply(context.Background(), "1", "7", []string{"x"}, nil)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []string{"x"}, fake.Roles("1", "7"))
	assert.Equal(t, 2, fake.Calls("get"), "each retry re-reads current roles")
}

func TestApplyNarrowsAfterAmbiguousTimeout(t *testing.T) {
	fake := testutil.NewFakeMembership()
	fake.SetRoles("1", "7", "a")
	var once sync.Once
	fake.Fail = func(op, role string) error {
		var err error
		if op == "add" {
			once.Do(func() {
				// the platform applied the change but the response never arrived
				fake.SetRoles("1", "7", "x")
				err = context.DeadlineExceeded
			})
		}
		return err
	}

	res := New(fake, testConfig()).Apply(context.Background(), "1", "7", []string{"x"}, []string{"a"})
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, fake.Calls("add"), "satisfied add is not repeated")
	assert.Equal(t, []string{"x"}, fake.Roles("1", "7"))
}

func TestApplyFatalStopsImmediately(t *testing.T) {
	fake := testutil.NewFakeMembership()
	fake.SetRoles("1", "7")
	fake.Fail = func(op, role string) error {
		if role == "x" {
			return ErrForbidden
		}
		return nil
	}

	res := New(fake, testConfig()).Apply(context.Background(), "1", "7", []string{"x"}, nil)
	assert.Equal(t, OutcomeUnrecoverable, res.Outcome)
	assert.False(t, res.Exhausted)
	assert.Equal(t, 1, res.Attempts)
	assert.ErrorIs(t, res.Err, ErrForbidden)
	assert.Empty(t, res.Added)
}

func TestApplyFatalRoleDoesNotBlockOthers(t *testing.T) {
	fake := testutil.NewFakeMembership()
	fake.SetRoles("1", "7", "granted", "other")
	fake.Fail = func(op, role string) error {
		if op == "remove" && role == "granted" {
			return ErrForbidden
		}
		return nil
	}

	res := New(fake, testConfig()).Apply(context.Background(), "1", "7", []string{"withheld"}, []string{"granted", "other"})
	assert.Equal(t, OutcomeUnrecoverable, res.Outcome)
	assert.False(t, res.Exhausted)
	assert.ErrorIs(t, res.Err, ErrForbidden)
	assert.Equal(t, []string{"other"}, res.Removed)
	assert.Equal(t, []string{"withheld"}, res.Added)
	assert.Equal(t, []string{"granted"}, res.UnappliedRemove)
	assert.Empty(t, res.UnappliedAdd)
	assert.ElementsMatch(t, []string{"granted", "withheld"}, fake.Roles("1", "7"))
}

func TestApplyDeletedRoleIsNotOwed(t *testing.T) {
	fake := testutil.NewFakeMembership()
	fake.SetRoles("1", "7")
	fake.Fail = func(op, role string) error {
		switch role {
		case "deleted":
			return ErrRoleGone
		case "locked":
			return &APIError{Status: 403}
		}
		return nil
	}

	res := New(fake, testConfig()).Apply(context.Background(), "1", "7", []string{"deleted", "locked", "x"}, nil)
	assert.Equal(t, OutcomeUnrecoverable, res.Outcome)
	assert.Equal(t, []string{"x"}, res.Added)
	assert.Equal(t, []string{"locked"}, res.UnappliedAdd)
	assert.Equal(t, 1, res.Attempts)
}

func TestApplyExhaustedReportsUnapplied(t *testing.T) {
	fake := testutil.NewFakeMembership()
	fake.SetRoles("1", "7", "a")
	fake.Fail = func(op, role string) error {
		if op == "add" {
			return &APIError{Status: 502}
		}
		return nil
	}

	res := New(fake, testConfig()).Apply(context.Background(), "1", "7", []string{"x"}, []string{"a"})
	assert.Equal(t, OutcomeUnrecoverable, res.Outcome)
	assert.True(t, res.Exhausted)
	assert.Equal(t, []string{"a"}, res.Removed)
	assert.Equal(t, []string{"x"}, res.UnappliedAdd)
	assert.Empty(t, res.UnappliedRemove)
}

func TestApplyExhaustsTransient(t *testing.T) {
	fake := testutil.NewFakeMembership()
	fake.SetRoles("1", "7", "a")
	fake.Fail = func(op, role string) error {
		if op == "remove" {
			return &APIError{Status: 500}
		}
		return nil
	}

	res := New(fake, testConfig()).Apply(context.Background(), "1", "7", nil, []string{"a"})
	assert.Equal(t, OutcomeUnrecoverable, res.Outcome)
	assert.True(t, res.Exhausted)
	assert.Equal(t, 4, res.Attempts)
	var apiErr *APIError
	require.ErrorAs(t, res.Err, &apiErr)
	assert.Equal(t, 500, apiErr.StatusCode())
}

func TestApplyMemberGone(t *testing.T) {
	fake := testutil.NewFakeMembership()
	fake.MissingErr = ErrMemberGone

	res := New(fake, testConfig()).Apply(context.Background(), "1", "404", []string{"x"}, nil)
	assert.Equal(t, OutcomeUnrecoverable, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrMemberGone)
	assert.Equal(t, 1, res.Attempts)
}

func TestApplyPartialProgressReported(t *testing.T) {
	fake := testutil.NewFakeMembership()
	fake.SetRoles("1", "7", "a")
	fake.Fail = func(op, role string) error {
		if op == "add" {
			return ErrRoleGone
		}
		return nil
	}

	res := New(fake, testConfig()).Apply(context.Background(), "1", "7", []string{"x"}, []string{"a"})
	assert.Equal(t, OutcomeUnrecoverable, res.Outcome)
	assert.Equal(t, []string{"a"}, res.Removed)
	assert.Empty(t, res.Added)
}

func TestApplyAbortedOnCancel(t *testing.T) {
	fake := testutil.NewFakeMembership()
	fake.SetRoles("1", "7")
	ctx, cancel := context.WithCancel(context.Background())
	fake.Fail = func(op, role string) error {
		cancel()
		return &APIError{Status: 502}
	}

	cfg := testConfig()
	cfg.BackoffBase = time.Second
	res := New(fake, cfg).Apply(ctx, "1", "7", []string{"x"}, nil)
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.Error(t, res.Err)
}

func TestApplyHonorsRetryAfter(t *testing.T) {
	fake := testutil.NewFakeMembership()
	fake.SetRoles("1", "7")
	var n atomic.Int32
	fake.Fail = func(op, role string) error {
		if op == "add" && n.Add(1) == 1 {
			return &APIError{Status: 429, RetryAfter: 50 * time.Millisecond, Err: ErrRateLimited}
		}
		return nil
	}

	start := time.Now()
	res := New(fake, testConfig()).Apply(context.Background(), "1", "7", []string{"x"}, nil)
	require.NoError(t, res.Err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestApplySerializesPerMember(t *testing.T) {
	fake := testutil.NewFakeMembership()
	fake.SetRoles("1", "7")
	var inFlight, maxInFlight atomic.Int32
	fake.Fail = func(op, role string) error {
		cur := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if cur <= m || maxInFlight.CompareAndSwap(m, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}

	d := New(fake, testConfig())
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Apply(context.Background(), "1", "7", []string{"x"}, nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Equal(t, 0, d.locks.size(), "idle member locks are released")
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "applied", OutcomeApplied.String())
	assert.Equal(t, "noop", OutcomeNoop.String())
	assert.Equal(t, "unrecoverable", OutcomeUnrecoverable.String())
	assert.Equal(t, "aborted", OutcomeAborted.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrorClassUnknown},
		{"member gone", ErrMemberGone, ErrorClassFatal},
		{"role gone wrapped", errors.Join(errors.New("x"), ErrRoleGone), ErrorClassFatal},
		{"forbidden", ErrForbidden, ErrorClassFatal},
		{"rate limited", ErrRateLimited, ErrorClassRetryable},
		{"deadline", context.DeadlineExceeded, ErrorClassRetryable},
		{"429", &APIError{Status: 429}, ErrorClassRetryable},
		{"503", &APIError{Status: 503}, ErrorClassRetryable},
		{"400", &APIError{Status: 400}, ErrorClassFatal},
		{"404", &APIError{Status: 404}, ErrorClassFatal},
		{"connection reset", errors.New("read: connection reset by peer"), ErrorClassRetryable},
		{"unknown role text", errors.New("HTTP 404 Not Found, {\"message\": \"Unknown Role\"}"), ErrorClassFatal},
		{"unmatched", errors.New("something odd"), ErrorClassRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
	assert.Equal(t, "retryable", ErrorClassRetryable.String())
	assert.Equal(t, "fatal", ErrorClassFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
	assert.True(t, IsRetryableError(&APIError{Status: 500}))
}
