package calls

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	shardCount       = 32
	defaultTombstone = 15 * time.Minute
)

// Registry owns the live call sessions, keyed by call control id.
//
// Every piece of work for a token goes through Submit and runs on that
// token's lane: one goroutine at a time, in submission order. Lanes of
// different tokens run in parallel and only share the brief shard lock
// needed to find them.
type Registry struct {
	shards [shardCount]*shard
	wg     sync.WaitGroup
	logger *slog.Logger

	now          func() time.Time
	tombstoneTTL time.Duration
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*Session
	lanes    map[string]*lane
	ended    map[string]time.Time
}

type lane struct {
	queue   []func()
	running bool
}

type RegistryOption func(*Registry)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithTombstoneTTL sets how long a removed token is remembered and refused
// by Create.
func WithTombstoneTTL(d time.Duration) RegistryOption {
	return func(r *Registry) { r.tombstoneTTL = d }
}

func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		now:          time.Now,
		tombstoneTTL: defaultTombstone,
		logger:       slog.Default(),
	}
	for i := range r.shards {
		r.shards[i] = &shard{
			sessions: make(map[string]*Session),
			lanes:    make(map[string]*lane),
			ended:    make(map[string]time.Time),
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) shardFor(token string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return r.shards[h.Sum32()%shardCount]
}

// Create registers a new session. A token that is live, or that ended less
// than the tombstone TTL ago, yields ErrDuplicateSession.
func (r *Registry) Create(token, callerNumber, calleeNumber, ownerID string) (*Session, error) {
	sh := r.shardFor(token)
	now := r.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.sessions[token]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, token)
	}
	if at, ok := sh.ended[token]; ok {
		if now.Sub(at) < r.tombstoneTTL {
			return nil, fmt.Errorf("%w: %s already ended", ErrDuplicateSession, token)
		}
		delete(sh.ended, token)
	}

	s := &Session{
		Token:        token,
		CallerNumber: callerNumber,
		CalleeNumber: calleeNumber,
		OwnerID:      ownerID,
		CreatedAt:    now,
		state:        StateAwaitingAnswer,
	}
	sh.sessions[token] = s
	return s, nil
}

func (r *Registry) Get(token string) (*Session, bool) {
	sh := r.shardFor(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[token]
	return s, ok
}

// known reports whether token is live or was removed within the tombstone TTL.
func (r *Registry) known(token string) bool {
	sh := r.shardFor(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.sessions[token]; ok {
		return true
	}
	at, ok := sh.ended[token]
	return ok && r.now().Sub(at) < r.tombstoneTTL
}

// AppendTurn records a turn. The turn is stamped with the registry clock and
// nudged forward if needed so timestamps stay strictly increasing.
func (r *Registry) AppendTurn(token string, t Turn) (Turn, error) {
	s, ok := r.Get(token)
	if !ok {
		return Turn{}, fmt.Errorf("%w: %s", ErrUnknownSession, token)
	}
	t.At = r.now()
	return s.appendTurn(t), nil
}

// Remove detaches the session and returns its snapshot. Only the first call
// for a token returns true. The token is tombstoned even when no session was
// live, so a ready event delivered after the hangup cannot start the call.
func (r *Registry) Remove(token string) (Snapshot, bool) {
	sh := r.shardFor(token)
	now := r.now()

	sh.mu.Lock()
	r.pruneEnded(sh, now)
	s, ok := sh.sessions[token]
	if ok {
		delete(sh.sessions, token)
	}
	if _, ended := sh.ended[token]; ok || !ended {
		sh.ended[token] = now
	}
	sh.mu.Unlock()

	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(now), true
}

// pruneEnded drops expired tombstones. Caller holds sh.mu.
func (r *Registry) pruneEnded(sh *shard, now time.Time) {
	for token, at := range sh.ended {
		if now.Sub(at) >= r.tombstoneTTL {
			delete(sh.ended, token)
		}
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		n += len(sh.sessions)
		sh.mu.Unlock()
	}
	return n
}

// Submit queues fn on the token's lane. It never blocks on other work.
func (r *Registry) Submit(token string, fn func()) {
	sh := r.shardFor(token)
	r.wg.Add(1)

	sh.mu.Lock()
	l := sh.lanes[token]
	if l == nil {
		l = &lane{}
		sh.lanes[token] = l
	}
	l.queue = append(l.queue, fn)
	start := !l.running
	l.running = true
	sh.mu.Unlock()

	if start {
		go r.drain(sh, token, l)
	}
}

func (r *Registry) drain(sh *shard, token string, l *lane) {
	for {
		sh.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			delete(sh.lanes, token)
			sh.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		sh.mu.Unlock()

		r.run(token, fn)
	}
}

func (r *Registry) run(token string, fn func()) {
	defer r.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in call lane",
				"call_control_id", token, "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Wait blocks until every submitted job has finished.
func (r *Registry) Wait() {
	r.wg.Wait()
}
