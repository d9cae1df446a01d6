package wsrouter

import (
	"context"
	"regexp"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// ConfirmMode selects when a topic operation resolves.
type ConfirmMode string

const (
	// ConfirmOptimistic resolves once internal state is committed;
	// adapter calls may still be in flight. Default.
	ConfirmOptimistic ConfirmMode = "optimistic"

	// ConfirmSettled resolves only after the adapter acknowledged every
	// change.
	ConfirmSettled ConfirmMode = "settled"
)

// defaultTopicPattern accepts lowercase alphanumerics plus :_-/. up to 128
// chars, case-insensitively.
var defaultTopicPattern = regexp.MustCompile(`^(?i)[a-z0-9:_\-/.]{1,128}$`)

// TopicOptions configure the per-connection topics subsystem.
type TopicOptions struct {
	// Pattern validates topic names. Defaults to
	// ^[a-z0-9:_\-/.]{1,128}$ (case-insensitive).
	Pattern *regexp.Regexp

	// MaxPerConnection caps the subscription set size. Default 256.
	MaxPerConnection int
}

func (o TopicOptions) withDefaults() TopicOptions {
	if o.Pattern == nil {
		o.Pattern = defaultTopicPattern
	}
	if o.MaxPerConnection == 0 {
		o.MaxPerConnection = 256
	}
	return o
}

// TopicAdapter is the platform-side subscriber list the topics subsystem
// keeps consistent with its local set.
type TopicAdapter interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
}

// OpOptions tune a single topic operation.
type OpOptions struct {
	Confirm ConfirmMode
}

func (o *OpOptions) confirm() ConfirmMode {
	if o == nil || o.Confirm == "" {
		return ConfirmOptimistic
	}
	return o.Confirm
}

// Results returned by topic operations.
type (
	SubscribeResult   struct{ Added, Total int }
	UnsubscribeResult struct{ Removed, Total int }
	SetResult         struct{ Added, Removed, Total int }
	ClearResult       struct{ Removed int }
)

// Topics is the per-connection subscription set. Batch operations are
// strict all-or-nothing: validation and the capacity check happen before any
// adapter call, and an adapter failure triggers a reverse-order rollback
// (additions undone before removals are restored) so the local set and the
// adapter always agree.
//
// Operations on one connection execute in submission order; a pending
// unsubscribe for a topic completes before a later subscribe for the same
// topic begins.
type Topics struct {
	opts    TopicOptions
	adapter TopicAdapter
	log     zerolog.Logger

	mu      sync.Mutex
	members map[string]struct{}
	tail    chan struct{} // completion of the most recently enqueued op

	errMu     sync.Mutex
	asyncErrs map[string]error // topic -> last background failure
}

func newTopics(opts TopicOptions, adapter TopicAdapter, log zerolog.Logger) *Topics {
	closed := make(chan struct{})
	close(closed)
	return &Topics{
		opts:      opts.withDefaults(),
		adapter:   adapter,
		log:       log.With().Str("component", "topics").Logger(),
		members:   make(map[string]struct{}),
		tail:      closed,
		asyncErrs: make(map[string]error),
	}
}

// NewTopics builds a standalone Topics instance over an adapter. Exposed
// for tests and for embedding outside a router connection.
func NewTopics(opts TopicOptions, adapter TopicAdapter, log zerolog.Logger) *Topics {
	return newTopics(opts, adapter, log)
}

// Has reports membership.
func (t *Topics) Has(topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.members[topic]
	return ok
}

// Size returns the current subscription count.
func (t *Topics) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.members)
}

// List returns a sorted copy of the subscription set.
func (t *Topics) List() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.members))
	for topic := range t.members {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Subscribe adds a single topic. Idempotent: subscribing an existing member
// is a no-op.
func (t *Topics) Subscribe(ctx context.Context, topic string, opts *OpOptions) (SubscribeResult, error) {
	return t.SubscribeMany(ctx, []string{topic}, opts)
}

// SubscribeMany adds a batch of topics, all-or-nothing.
func (t *Topics) SubscribeMany(ctx context.Context, topics []string, opts *OpOptions) (SubscribeResult, error) {
	res, err := t.apply(ctx, topics, nil, false, opts)
	if err != nil {
		return SubscribeResult{}, err
	}
	return SubscribeResult{Added: res.Added, Total: res.Total}, nil
}

// Unsubscribe removes a single topic. Removing a non-member is a soft
// no-op.
func (t *Topics) Unsubscribe(ctx context.Context, topic string, opts *OpOptions) (UnsubscribeResult, error) {
	return t.UnsubscribeMany(ctx, []string{topic}, opts)
}

// UnsubscribeMany removes a batch of topics, all-or-nothing.
func (t *Topics) UnsubscribeMany(ctx context.Context, topics []string, opts *OpOptions) (UnsubscribeResult, error) {
	res, err := t.apply(ctx, nil, topics, false, opts)
	if err != nil {
		return UnsubscribeResult{}, err
	}
	return UnsubscribeResult{Removed: res.Removed, Total: res.Total}, nil
}

// Set atomically replaces the subscription set with the desired topics.
func (t *Topics) Set(ctx context.Context, desired []string, opts *OpOptions) (SetResult, error) {
	return t.apply(ctx, desired, nil, true, opts)
}

// Update passes a mutable draft of the current set to the mutator and
// applies the resulting delta atomically.
func (t *Topics) Update(ctx context.Context, mutate func(draft map[string]struct{}), opts *OpOptions) (SetResult, error) {
	t.mu.Lock()
	draft := make(map[string]struct{}, len(t.members))
	for topic := range t.members {
		draft[topic] = struct{}{}
	}
	t.mu.Unlock()

	mutate(draft)

	desired := make([]string, 0, len(draft))
	for topic := range draft {
		desired = append(desired, topic)
	}
	return t.Set(ctx, desired, opts)
}

// Clear removes every subscription.
func (t *Topics) Clear(ctx context.Context, opts *OpOptions) (ClearResult, error) {
	res, err := t.apply(ctx, nil, t.List(), false, opts)
	if err != nil {
		return ClearResult{}, err
	}
	return ClearResult{Removed: res.Removed}, nil
}

// Settle blocks until every operation enqueued before the call has settled
// on the adapter. topic == "" waits for all topics. Returns the last
// background failure recorded for the topic (or any topic), clearing it.
func (t *Topics) Settle(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return ctxError(err)
	}

	t.mu.Lock()
	tail := t.tail
	t.mu.Unlock()

	select {
	case <-tail:
	case <-ctx.Done():
		return ctxError(ctx.Err())
	}

	t.errMu.Lock()
	defer t.errMu.Unlock()
	if topic != "" {
		err := t.asyncErrs[topic]
		delete(t.asyncErrs, topic)
		return err
	}
	for k, err := range t.asyncErrs {
		delete(t.asyncErrs, k)
		return err
	}
	return nil
}

// apply is the single code path behind every mutating operation.
// asSet treats adds as the full desired set and computes removals itself.
func (t *Topics) apply(ctx context.Context, adds, removes []string, asSet bool, opts *OpOptions) (SetResult, error) {
	if err := ctx.Err(); err != nil {
		// A pre-cancelled context fails before any state change.
		return SetResult{}, ctxError(err)
	}

	adds = dedupe(adds)
	removes = dedupe(removes)

	// Step 1: validate everything before touching state or the adapter.
	for _, topic := range append(append([]string{}, adds...), removes...) {
		if !t.opts.Pattern.MatchString(topic) {
			return SetResult{}, Errorf(CodeInvalidTopic, "topic %q does not match the allowed pattern", topic)
		}
	}

	t.mu.Lock()

	// Step 2: compute the delta against current state.
	var toAdd, toRemove []string
	if asSet {
		desired := make(map[string]struct{}, len(adds))
		for _, topic := range adds {
			desired[topic] = struct{}{}
			if _, ok := t.members[topic]; !ok {
				toAdd = append(toAdd, topic)
			}
		}
		for topic := range t.members {
			if _, ok := desired[topic]; !ok {
				toRemove = append(toRemove, topic)
			}
		}
		sort.Strings(toRemove)
	} else {
		for _, topic := range adds {
			if _, ok := t.members[topic]; !ok {
				toAdd = append(toAdd, topic)
			}
		}
		for _, topic := range removes {
			if _, ok := t.members[topic]; ok {
				toRemove = append(toRemove, topic)
			}
		}
	}

	// Step 3: capacity check. No adapter calls past this point on
	// failure.
	current := len(t.members)
	resulting := current + len(toAdd) - len(toRemove)
	if resulting > t.opts.MaxPerConnection {
		t.mu.Unlock()
		return SetResult{}, E(CodeTopicLimitExceeded, "subscription limit exceeded").WithContext(map[string]any{
			"limit":     t.opts.MaxPerConnection,
			"current":   current,
			"requested": len(toAdd),
			"resulting": resulting,
		})
	}

	result := SetResult{Added: len(toAdd), Removed: len(toRemove), Total: resulting}

	if len(toAdd) == 0 && len(toRemove) == 0 {
		// No-op: zero adapter calls.
		t.mu.Unlock()
		return result, nil
	}

	mode := opts.confirm()

	if mode == ConfirmOptimistic {
		// Commit local state now; adapter work happens behind the
		// submission-ordered chain. An adapter failure later reverts
		// the local commit and is surfaced through Settle.
		t.commitLocked(toAdd, toRemove)
		done := t.enqueueLocked(func() {
			if err := t.forward(context.Background(), toAdd, toRemove); err != nil {
				t.mu.Lock()
				t.commitLocked(toRemove, toAdd) // revert
				t.mu.Unlock()
				t.recordAsyncError(toAdd, toRemove, err)
			}
		})
		t.mu.Unlock()
		_ = done
		return result, nil
	}

	// Settled mode: run the adapter protocol behind the chain and wait for
	// acknowledgment. Local state commits only after every call succeeded.
	var opErr error
	done := t.enqueueLocked(func() {
		if err := t.forward(ctx, toAdd, toRemove); err != nil {
			opErr = err
			return
		}
		t.mu.Lock()
		t.commitLocked(toAdd, toRemove)
		t.mu.Unlock()
	})
	t.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		// The in-flight adapter work still runs to its natural
		// conclusion; only the caller stops waiting.
		return SetResult{}, ctxError(ctx.Err())
	}
	if opErr != nil {
		return SetResult{}, AsError(opErr)
	}
	return result, nil
}

// forward performs the adapter protocol: removals first, then additions. On
// any failure it rolls back in reverse order — completed additions are
// unsubscribed before completed removals are restored, so an adapter that
// enforces its own cap never observes an overshoot.
func (t *Topics) forward(ctx context.Context, toAdd, toRemove []string) error {
	type step struct {
		topic string
		added bool
	}
	var completed []step

	rollback := func() {
		for i := len(completed) - 1; i >= 0; i-- {
			s := completed[i]
			var err error
			if s.added {
				err = t.adapter.Unsubscribe(ctx, s.topic)
			} else {
				err = t.adapter.Subscribe(ctx, s.topic)
			}
			if err != nil {
				t.log.Error().
					Err(err).
					Str("topic", s.topic).
					Msg("Rollback step failed; local set and adapter may diverge")
			}
		}
	}

	for _, topic := range toRemove {
		if err := t.adapter.Unsubscribe(ctx, topic); err != nil {
			rollback()
			return E(CodeAdapterError, "adapter unsubscribe failed").
				WithContext(map[string]any{"topic": topic}).WithCause(err)
		}
		completed = append(completed, step{topic: topic, added: false})
	}
	for _, topic := range toAdd {
		if err := t.adapter.Subscribe(ctx, topic); err != nil {
			rollback()
			return E(CodeAdapterError, "adapter subscribe failed").
				WithContext(map[string]any{"topic": topic}).WithCause(err)
		}
		completed = append(completed, step{topic: topic, added: true})
	}
	return nil
}

// commitLocked applies a delta to the member set. Caller holds t.mu.
func (t *Topics) commitLocked(add, remove []string) {
	for _, topic := range remove {
		delete(t.members, topic)
	}
	for _, topic := range add {
		t.members[topic] = struct{}{}
	}
}

// enqueueLocked chains work behind the previously submitted operation.
// Caller holds t.mu. The returned channel closes when the work completes.
func (t *Topics) enqueueLocked(work func()) <-chan struct{} {
	prev := t.tail
	done := make(chan struct{})
	t.tail = done
	go func() {
		defer close(done)
		<-prev
		work()
	}()
	return done
}

func (t *Topics) recordAsyncError(toAdd, toRemove []string, err error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	for _, topic := range toAdd {
		t.asyncErrs[topic] = err
	}
	for _, topic := range toRemove {
		t.asyncErrs[topic] = err
	}
	t.log.Warn().Err(err).Msg("Optimistic topic operation failed; state reverted")
}

func dedupe(topics []string) []string {
	if len(topics) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(topics))
	out := topics[:0:0]
	for _, topic := range topics {
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		out = append(out, topic)
	}
	return out
}

func ctxError(err error) *Error {
	if err == context.DeadlineExceeded {
		return E(CodeDeadlineExceeded, "operation timed out")
	}
	return E(CodeCancelled, "operation aborted").WithCause(err)
}
