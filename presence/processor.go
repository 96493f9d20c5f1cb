package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/voicewarden/dispatch"
	"github.com/onnwee/voicewarden/ledger"
	"github.com/onnwee/voicewarden/rolediff"
	"github.com/onnwee/voicewarden/rules"
	"github.com/onnwee/voicewarden/telemetry"
)

// RuleLookup resolves the override of a channel. *rules.Store implements it.
type RuleLookup interface {
	RulesFor(ctx context.Context, communityID, channelID string) (rules.Rule, bool, error)
	Invalidate(communityID, channelID string)
}

// RoleReader reads a member's current roles. dispatch.Membership implements it.
type RoleReader interface {
	CurrentRoles(ctx context.Context, communityID, memberID string) ([]string, error)
}

// Applier applies role changes. *dispatch.Dispatcher implements it.
type Applier interface {
	Apply(ctx context.Context, communityID, memberID string, add, remove []string) dispatch.Result
}

// Config sizes the worker pool and the deferral budget. RetryInterval is how
// often dropped events and repair ops are retried.
type Config struct {
	Workers       int
	QueueSize     int
	DeferAttempts int
	DeferBackoff  time.Duration
	RetryInterval time.Duration
}

// Result describes what processing one event or resync did.
type Result struct {
	Transition string
	State      State
	ChannelID  string
	Add        []string
	Remove     []string
	Dispatch   dispatch.Outcome
	Dispatched bool
	// Repaired counts the repair ops a resync worked through.
	Repaired int
}

// errConflict means the ledger changed under a transition; the event is retried.
var errConflict = errors.New("session changed concurrently")

type task struct {
	ev     Event
	resync bool
	replay *ledger.Op
	// retry is the sequence number of the dropped event being retried.
	retry uint64
	done  chan taskResult
}

type droppedEvent struct {
	ev  Event
	seq uint64
}

type taskResult struct {
	res Result
	err error
}

// Processor routes events to a fixed set of shards by member, so events of
// one member are handled in arrival order while different members proceed
// in parallel.
type Processor struct {
	rules   RuleLookup
	ledger  ledger.Ledger
	members RoleReader
	applier Applier
	cfg     Config
	shards  []chan task
	now     func() time.Time

	mu      sync.Mutex
	dropped map[string]droppedEvent // last dropped event per member
	dropSeq uint64
}

// New returns a Processor with cfg.Workers shards. Zero fields of cfg take
// defaults. Nothing is processed until Run is called.
func New(rl RuleLookup, l ledger.Ledger, members RoleReader, applier Applier, cfg Config) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.DeferAttempts <= 0 {
		cfg.DeferAttempts = 1
	}
	if cfg.DeferBackoff <= 0 {
		cfg.DeferBackoff = 500 * time.Millisecond
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	p := &Processor{
		rules:   rl,
		ledger:  l,
		members: members,
		applier: applier,
		cfg:     cfg,
		shards:  make([]chan task, cfg.Workers),
		now:     time.Now,
		dropped: make(map[string]droppedEvent),
	}
	for i := range p.shards {
		p.shards[i] = make(chan task, cfg.QueueSize)
	}
	return p
}

// Run starts one worker per shard plus the retry sweep and blocks until ctx
// is done.
func (p *Processor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range p.shards {
		g.Go(func() error {
			p.work(gctx, i, ch)
			return nil
		})
	}
	g.Go(func() error {
		p.sweepEvery(gctx, p.cfg.RetryInterval)
		return nil
	})
	err := g.Wait()
	slog.Info("presence workers stopped", slog.String("component", "presence"))
	return err
}

func (p *Processor) work(ctx context.Context, shard int, ch <-chan task) {
	logger := slog.Default().With(slog.String("component", "presence"), slog.Int("shard", shard))
	logger.Debug("presence worker started")
	for {
		select {
		case <-ctx.Done():
			if n := len(ch); n > 0 {
				logger.Warn("presence worker stopping with queued events", slog.Int("queued", n))
			}
			return
		case t := <-ch:
			telemetry.AddQueueDepth(-1)
			res, err := p.handle(ctx, t)
			if t.done != nil {
				t.done <- taskResult{res: res, err: err}
			}
		}
	}
}

func (p *Processor) shardFor(communityID, memberID string) int {
	return int(xxhash.Sum64String(memberKey(communityID, memberID)) % uint64(len(p.shards)))
}

func (p *Processor) enqueue(ctx context.Context, communityID, memberID string, t task) error {
	select {
	case p.shards[p.shardFor(communityID, memberID)] <- t:
		telemetry.AddQueueDepth(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues an event on its member's shard. It blocks while the shard's
// queue is full.
func (p *Processor) Submit(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.At.IsZero() {
		ev.At = p.now().UTC()
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = uuid.NewString()
	}
	return p.enqueue(ctx, ev.CommunityID, ev.MemberID, task{ev: ev})
}

// Resync recomputes a member's roles against the current rule of the channel
// they are in and applies the difference. It runs on the member's shard and
// waits for the result. Resyncing an absent member does nothing.
func (p *Processor) Resync(ctx context.Context, communityID, memberID string) (Result, error) {
	ev := Event{
		CommunityID:   communityID,
		MemberID:      memberID,
		Kind:          Move,
		At:            p.now().UTC(),
		CorrelationID: uuid.NewString(),
	}
	return p.wait(ctx, communityID, memberID, task{ev: ev, resync: true})
}

func (p *Processor) wait(ctx context.Context, communityID, memberID string, t task) (Result, error) {
	t.done = make(chan taskResult, 1)
	if err := p.enqueue(ctx, communityID, memberID, t); err != nil {
		return Result{}, err
	}
	select {
	case r := <-t.done:
		return r.res, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Recover replays role operations left pending by a previous run and seeds
// the active session gauge. Workers must be running.
func (p *Processor) Recover(ctx context.Context) (int, error) {
	if n, err := p.ledger.Count(ctx); err == nil {
		telemetry.SetActiveSessions(n)
	} else {
		slog.Warn("count sessions failed", slog.Any("err", err), slog.String("component", "presence"))
	}

	ops, err := p.ledger.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending ops: %w", err)
	}
	if len(ops) == 0 {
		return 0, nil
	}
	slog.Info("replaying pending role operations", slog.Int("count", len(ops)), slog.String("component", "presence"))

	waits := make([]chan taskResult, 0, len(ops))
	repairing := make(map[string]bool)
	for i := range ops {
		op := ops[i]
		ev := Event{CommunityID: op.CommunityID, MemberID: op.MemberID, CorrelationID: uuid.NewString()}
		t := task{ev: ev, replay: &op}
		if op.Repair {
			// a resync settles every repair op of the member at once
			key := memberKey(op.CommunityID, op.MemberID)
			if repairing[key] {
				continue
			}
			repairing[key] = true
			ev.Kind, ev.At = Move, p.now().UTC()
			t = task{ev: ev, resync: true}
		}
		t.done = make(chan taskResult, 1)
		if err := p.enqueue(ctx, op.CommunityID, op.MemberID, t); err != nil {
			return 0, err
		}
		waits = append(waits, t.done)
	}
	if err := awaitAll(ctx, waits); err != nil {
		return 0, err
	}
	telemetry.Init()
	telemetry.OpsReplayed.Add(float64(len(ops)))
	return len(ops), nil
}

// Sweep retries the events dropped after exhausting their deferral budget and
// resyncs every member holding a repair op. Each dropped event is retried only
// while it is still the latest event seen for its member. Sweep waits for the
// work it queued and returns how many tasks ran.
func (p *Processor) Sweep(ctx context.Context) (int, error) {
	var waits []chan taskResult
	queue := func(t task) error {
		t.done = make(chan taskResult, 1)
		if err := p.enqueue(ctx, t.ev.CommunityID, t.ev.MemberID, t); err != nil {
			return err
		}
		waits = append(waits, t.done)
		return nil
	}

	for _, d := range p.droppedEvents() {
		if err := queue(task{ev: d.ev, retry: d.seq}); err != nil {
			return 0, err
		}
	}
	retried := len(waits)

	ops, err := p.ledger.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending ops: %w", err)
	}
	seen := make(map[string]bool)
	now := p.now().UTC()
	for _, op := range ops {
		key := memberKey(op.CommunityID, op.MemberID)
		if !op.Repair || seen[key] {
			continue
		}
		seen[key] = true
		ev := Event{CommunityID: op.CommunityID, MemberID: op.MemberID, Kind: Move, At: now, CorrelationID: uuid.NewString()}
		if err := queue(task{ev: ev, resync: true}); err != nil {
			return 0, err
		}
	}

	if err := awaitAll(ctx, waits); err != nil {
		return 0, err
	}
	if retried > 0 {
		telemetry.Init()
		telemetry.EventsRetried.Add(float64(retried))
	}
	return len(waits), nil
}

func (p *Processor) sweepEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				slog.Warn("presence retry sweep failed", slog.Any("err", err), slog.String("component", "presence"))
			} else if n > 0 {
				slog.Info("presence retry sweep", slog.Int("tasks", n), slog.String("component", "presence"))
			}
		}
	}
}

func awaitAll(ctx context.Context, waits []chan taskResult) error {
	for _, w := range waits {
		select {
		case <-w:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func memberKey(communityID, memberID string) string { return communityID + "/" + memberID }

func (p *Processor) recordDropped(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropSeq++
	p.dropped[memberKey(ev.CommunityID, ev.MemberID)] = droppedEvent{ev: ev, seq: p.dropSeq}
}

// clearDropped forgets the member's dropped event once a later one went
// through, since that one reflects the newer voice state.
func (p *Processor) clearDropped(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.dropped, memberKey(ev.CommunityID, ev.MemberID))
}

func (p *Processor) isDropped(ev Event, seq uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.dropped[memberKey(ev.CommunityID, ev.MemberID)]
	return ok && d.seq == seq
}

func (p *Processor) droppedEvents() []droppedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]droppedEvent, 0, len(p.dropped))
	for _, d := range p.dropped {
		out = append(out, d)
	}
	return out
}

// Reconcile compares the ledger with the voice states the platform reports
// for a community and submits the events that were missed: a leave for
// members no longer in voice, a move for members in a different channel and
// a join for members without a session.
func (p *Processor) Reconcile(ctx context.Context, communityID string, present map[string]string) (int, error) {
	sessions, err := p.ledger.List(ctx, communityID)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	now := p.now().UTC()
	corr := uuid.NewString()
	submitted := 0
	submit := func(ev Event) error {
		ev.CommunityID, ev.At, ev.CorrelationID = communityID, now, corr
		if err := p.Submit(ctx, ev); err != nil {
			return err
		}
		submitted++
		return nil
	}

	known := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		known[s.MemberID] = true
		channel, ok := present[s.MemberID]
		switch {
		case !ok || channel == "":
			err = submit(Event{MemberID: s.MemberID, FromChannelID: s.ChannelID, Kind: Leave})
		case channel != s.ChannelID:
			err = submit(Event{MemberID: s.MemberID, ChannelID: channel, FromChannelID: s.ChannelID, Kind: Move})
		}
		if err != nil {
			return submitted, err
		}
	}
	for member, channel := range present {
		if known[member] || channel == "" {
			continue
		}
		if err := submit(Event{MemberID: member, ChannelID: channel, Kind: Join}); err != nil {
			return submitted, err
		}
	}
	if submitted > 0 {
		slog.Info("reconciled voice presence",
			slog.String("community", communityID),
			slog.Int("events", submitted),
			slog.String("corr", corr),
			slog.String("component", "presence"))
	}
	return submitted, nil
}

func (p *Processor) handle(ctx context.Context, t task) (Result, error) {
	ctx = telemetry.WithCorrelation(ctx, t.ev.CorrelationID)
	logger := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "presence"),
		slog.String("community", t.ev.CommunityID),
		slog.String("member", t.ev.MemberID))

	if t.replay != nil {
		res := p.dispatch(ctx, logger, t.replay)
		return Result{Transition: "replay", Add: t.replay.Add, Remove: t.replay.Remove, Dispatch: res.Outcome, Dispatched: true}, nil
	}
	if t.retry != 0 && !p.isDropped(t.ev, t.retry) {
		return Result{Transition: "superseded"}, nil
	}

	var folded []ledger.Op
	repaired := 0
	if t.resync {
		var err error
		if folded, repaired, err = p.settle(ctx, logger, t.ev.CommunityID, t.ev.MemberID); err != nil {
			logger.Error("settle repair ops failed", slog.Any("err", err))
			return Result{}, err
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.DeferBackoff
	b.MaxInterval = 8 * p.cfg.DeferBackoff
	res, err := backoff.Retry(ctx, func() (Result, error) {
		res, err := p.process(ctx, logger, t.ev, t.resync)
		if err != nil && ctx.Err() != nil {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.cfg.DeferAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			telemetry.Init()
			telemetry.EventsDeferred.Inc()
			logger.Warn("presence event deferred",
				slog.String("kind", t.ev.Kind.String()),
				slog.Any("err", err),
				slog.Duration("retry_in", next))
		}))
	if err != nil {
		label := dropReason(err)
		telemetry.Init()
		telemetry.EventsDropped.WithLabelValues(label).Inc()
		logger.Error("presence event dropped",
			slog.String("kind", t.ev.Kind.String()),
			slog.String("channel", t.ev.ChannelID),
			slog.String("reason", label),
			slog.Bool("resync", t.resync),
			slog.Any("err", err))
		if !t.resync && label != "shutdown" {
			p.recordDropped(t.ev)
		}
		return Result{}, err
	}
	if t.resync {
		for _, op := range folded {
			if err := p.ledger.Ack(ctx, op.ID); err != nil {
				logger.Error("ack repair op failed", slog.Int64("op", op.ID), slog.Any("err", err))
			}
		}
		res.Repaired = repaired
	} else {
		p.clearDropped(t.ev)
	}
	telemetry.ObserveEvent(t.ev.Kind.String(), res.Transition)
	return res, nil
}

// settle handles the member's repair ops ahead of a resync. For a member in
// voice the owed roles are folded into the session's undo record and the
// returned ops are acked once the resync went through. For an absent member
// they are dispatched directly.
func (p *Processor) settle(ctx context.Context, logger *slog.Logger, communityID, memberID string) ([]ledger.Op, int, error) {
	ops, err := p.ledger.Repairs(ctx, communityID, memberID)
	if err != nil || len(ops) == 0 {
		return nil, 0, err
	}
	s, present, err := p.ledger.Get(ctx, communityID, memberID)
	if err != nil {
		return nil, 0, fmt.Errorf("load session: %w", err)
	}
	telemetry.Init()
	if !present {
		for i := range ops {
			res := p.dispatch(ctx, logger, &ops[i])
			telemetry.RepairOps.WithLabelValues("dispatched_" + res.Outcome.String()).Inc()
		}
		return nil, len(ops), nil
	}
	for i := range ops {
		s = fold(s, &ops[i])
	}
	if _, err := p.ledger.Move(ctx, s, nil); err != nil {
		return nil, 0, fmt.Errorf("fold repair ops: %w", err)
	}
	telemetry.RepairOps.WithLabelValues("folded").Add(float64(len(ops)))
	logger.Info("repair ops folded into voice session",
		slog.String("channel", s.ChannelID),
		slog.Any("restoration", s.Restoration),
		slog.Any("grant", s.Grant))
	return ops, len(ops), nil
}

// fold records what op still owes in the session's undo record: roles to add
// become restorations and roles to remove become grants, so the next
// transition settles them against the channel's rule. Roles the record
// already tracks are left alone.
func fold(s ledger.Session, op *ledger.Op) ledger.Session {
	tracked := make(map[string]bool, len(s.Restoration)+len(s.Grant))
	for _, r := range s.Restoration {
		tracked[r] = true
	}
	for _, r := range s.Grant {
		tracked[r] = true
	}
	for _, r := range op.Add {
		if !tracked[r] {
			s.Restoration = append(s.Restoration, r)
			tracked[r] = true
		}
	}
	for _, r := range op.Remove {
		if !tracked[r] {
			s.Grant = append(s.Grant, r)
			tracked[r] = true
		}
	}
	return s
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "shutdown"
	case errors.Is(err, rules.ErrUnavailable):
		return "rules_unavailable"
	case errors.Is(err, rolediff.ErrUnknownState):
		return "unknown_state"
	case errors.Is(err, errConflict):
		return "conflict"
	default:
		return "storage"
	}
}

// process performs one transition. It returns an error only before the ledger
// was changed, so retrying it is always safe.
func (p *Processor) process(ctx context.Context, logger *slog.Logger, ev Event, resync bool) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "voicewarden/presence", "presence.process",
		telemetry.MemberAttrs(ev.CommunityID, ev.MemberID)...)
	defer span.End()

	prior, present, err := p.ledger.Get(ctx, ev.CommunityID, ev.MemberID)
	if err != nil {
		telemetry.RecordError(span, err)
		return Result{}, fmt.Errorf("load session: %w", err)
	}

	target := ev.ChannelID
	if resync {
		if !present {
			return Result{Transition: "resync_absent", State: Absent}, nil
		}
		target = prior.ChannelID
	}
	switch {
	case target == "" && !present:
		return Result{Transition: "duplicate", State: Absent}, nil
	case !resync && present && target == prior.ChannelID:
		return Result{Transition: "duplicate", State: StateOf(prior, true), ChannelID: target}, nil
	}

	var rule *rules.Rule
	if target != "" {
		if resync {
			p.rules.Invalidate(ev.CommunityID, target)
		}
		r, found, err := p.rules.RulesFor(ctx, ev.CommunityID, target)
		if err != nil {
			telemetry.RecordError(span, err)
			return Result{}, err
		}
		if found {
			rule = &r
		}
	}

	var undo rolediff.Undo
	if present {
		undo = rolediff.Undo{Restoration: prior.Restoration, Grant: prior.Grant}
	}

	var plan rolediff.Plan
	if rule != nil || !undo.Empty() {
		current, err := p.members.CurrentRoles(ctx, ev.CommunityID, ev.MemberID)
		if errors.Is(err, dispatch.ErrMemberGone) {
			return p.memberGone(ctx, logger, ev, prior, present)
		}
		if err != nil {
			telemetry.RecordError(span, err)
			return Result{}, fmt.Errorf("%w: %w", rolediff.ErrUnknownState, err)
		}
		if current == nil {
			current = []string{}
		}
		if plan, err = rolediff.Compute(current, rule, undo); err != nil {
			return Result{}, err
		}
	}

	transition := transitionName(resync, present, target, prior.Managed, rule != nil)
	op := &ledger.Op{
		CommunityID: ev.CommunityID,
		MemberID:    ev.MemberID,
		Add:         plan.Add,
		Remove:      plan.Remove,
		Reason:      transition,
	}
	next := ledger.Session{
		CommunityID: ev.CommunityID,
		ChannelID:   target,
		MemberID:    ev.MemberID,
		JoinedAt:    ev.At,
		Managed:     rule != nil,
		Restoration: plan.Next.Restoration,
		Grant:       plan.Next.Grant,
	}

	res := Result{Transition: transition, ChannelID: target, Add: plan.Add, Remove: plan.Remove}
	switch {
	case target == "":
		closed, ok, err := p.ledger.Close(ctx, ev.CommunityID, ev.MemberID, op)
		if err != nil {
			return Result{}, fmt.Errorf("close session: %w", err)
		}
		if !ok {
			return Result{}, errConflict
		}
		p.sessionEnded(closed, ev.At, true)
		res.State = Absent
	case !present:
		if _, err := p.ledger.Open(ctx, next, op); err != nil {
			if errors.Is(err, ledger.ErrAlreadyPresent) {
				return Result{}, errConflict
			}
			return Result{}, fmt.Errorf("open session: %w", err)
		}
		telemetry.Init()
		telemetry.ActiveSessions.Inc()
		res.State = StateOf(next, true)
	default:
		old, err := p.ledger.Move(ctx, next, op)
		if err != nil {
			if errors.Is(err, ledger.ErrNotPresent) {
				return Result{}, errConflict
			}
			return Result{}, fmt.Errorf("move session: %w", err)
		}
		if old.ChannelID != target {
			p.sessionEnded(old, ev.At, false)
		}
		res.State = StateOf(next, true)
	}

	logger.Debug("presence transition",
		slog.String("kind", ev.Kind.String()),
		slog.String("transition", transition),
		slog.String("from", prior.ChannelID),
		slog.String("to", target),
		slog.Any("add", plan.Add),
		slog.Any("remove", plan.Remove))

	if !op.Empty() {
		d := p.dispatch(ctx, logger, op)
		res.Dispatch, res.Dispatched = d.Outcome, true
	}
	telemetry.SetSpanSuccess(span)
	return res, nil
}

// dispatch applies a committed operation and resolves it in the ledger. The
// caller's cancellation does not reach the membership API: once the ledger
// records the change it must be applied or left pending for replay. Roles an
// unrecoverable dispatch could not change are requeued as a repair op.
func (p *Processor) dispatch(ctx context.Context, logger *slog.Logger, op *ledger.Op) dispatch.Result {
	dctx := context.WithoutCancel(ctx)
	res := p.applier.Apply(dctx, op.CommunityID, op.MemberID, op.Add, op.Remove)
	if res.Outcome == dispatch.OutcomeAborted {
		logger.Warn("role operation left pending", slog.Int64("op", op.ID))
		return res
	}
	if errors.Is(res.Err, dispatch.ErrMemberGone) {
		// the member left the community; nothing to restore
		if closed, ok, err := p.ledger.Close(dctx, op.CommunityID, op.MemberID, nil); err != nil {
			logger.Error("close session of departed member failed", slog.Any("err", err))
		} else if ok {
			p.sessionEnded(closed, p.now(), true)
		}
	} else if res.Outcome == dispatch.OutcomeUnrecoverable {
		rest := &ledger.Op{
			CommunityID: op.CommunityID,
			MemberID:    op.MemberID,
			Add:         res.UnappliedAdd,
			Remove:      res.UnappliedRemove,
			Reason:      "repair",
		}
		if !rest.Empty() {
			if err := p.ledger.Requeue(dctx, op.ID, rest); err != nil {
				logger.Error("record repair op failed",
					slog.Int64("op", op.ID), slog.Any("add", rest.Add), slog.Any("remove", rest.Remove), slog.Any("err", err))
				return res
			}
			telemetry.Init()
			telemetry.RepairOps.WithLabelValues("recorded").Inc()
			logger.Warn("unapplied roles kept for repair",
				slog.Int64("op", rest.ID), slog.Any("add", rest.Add), slog.Any("remove", rest.Remove))
			return res
		}
	}
	if op.ID != 0 {
		if err := p.ledger.Ack(dctx, op.ID); err != nil {
			logger.Error("ack role operation failed", slog.Int64("op", op.ID), slog.Any("err", err))
		}
	}
	return res
}

func (p *Processor) memberGone(ctx context.Context, logger *slog.Logger, ev Event, prior ledger.Session, present bool) (Result, error) {
	logger.Info("member left the community, dropping voice session", slog.Bool("had_session", present))
	if present {
		closed, ok, err := p.ledger.Close(ctx, ev.CommunityID, ev.MemberID, nil)
		if err != nil {
			return Result{}, fmt.Errorf("close session: %w", err)
		}
		if ok {
			p.sessionEnded(closed, ev.At, true)
		}
	}
	return Result{Transition: "member_gone", State: Absent, ChannelID: prior.ChannelID}, nil
}

func (p *Processor) sessionEnded(s ledger.Session, at time.Time, left bool) {
	if left {
		telemetry.Init()
		telemetry.ActiveSessions.Dec()
	}
	if d := at.Sub(s.JoinedAt); d >= 0 && !s.JoinedAt.IsZero() {
		telemetry.ObserveSessionClosed(s.Managed, d)
	}
}

func transitionName(resync, present bool, target string, wasManaged, managed bool) string {
	switch {
	case resync:
		return "resync"
	case target == "" && wasManaged:
		return "exit_managed"
	case target == "":
		return "exit_unmanaged"
	case present:
		return "move"
	case managed:
		return "enter_managed"
	default:
		return "enter_unmanaged"
	}
}
