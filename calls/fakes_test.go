package calls

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type action struct {
	Name   string
	Token  string
	Speech Speech
	Arg    string
}

type fakeGateway struct {
	mu      sync.Mutex
	actions []action
	fail    map[string]bool
}

func (g *fakeGateway) record(a action) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.actions = append(g.actions, a)
	if g.fail[a.Name] {
		return &ActionError{Action: a.Name, Token: a.Token, Err: errors.New("status 500")}
	}
	return nil
}

func (g *fakeGateway) Answer(_ context.Context, token string) error {
	return g.record(action{Name: "answer", Token: token})
}

func (g *fakeGateway) Speak(_ context.Context, token string, sp Speech) error {
	return g.record(action{Name: "speak", Token: token, Speech: sp})
}

func (g *fakeGateway) StopPlayback(_ context.Context, token string) error {
	return g.record(action{Name: "playback_stop", Token: token})
}

func (g *fakeGateway) StartTranscription(_ context.Context, token, language string) error {
	return g.record(action{Name: "transcription_start", Token: token, Arg: language})
}

func (g *fakeGateway) Hangup(_ context.Context, token string) error {
	return g.record(action{Name: "hangup", Token: token})
}

func (g *fakeGateway) Transfer(_ context.Context, token, to string) error {
	return g.record(action{Name: "transfer", Token: token, Arg: to})
}

func (g *fakeGateway) names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.actions))
	for i, a := range g.actions {
		out[i] = a.Name
	}
	return out
}

func (g *fakeGateway) snapshot() []action {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]action(nil), g.actions...)
}

func (g *fakeGateway) reset() {
	g.mu.Lock()
	g.actions = nil
	g.mu.Unlock()
}

type fakeGenerator struct {
	mu       sync.Mutex
	prompts  []string
	respond  func(prompt string) (Completion, error)
	inflight int
	maxSeen  int
}

func (f *fakeGenerator) Generate(_ context.Context, req GenerateRequest) (Completion, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Prompt)
	f.inflight++
	if f.inflight > f.maxSeen {
		f.maxSeen = f.inflight
	}
	respond := f.respond
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()
	if respond == nil {
		return Completion{Text: "Kan du säga ditt namn?"}, nil
	}
	return respond(req.Prompt)
}

func (f *fakeGenerator) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

type fakeOwners map[string]Owner

func (f fakeOwners) FindOwnerByCalleeNumber(_ context.Context, number string) (Owner, bool, error) {
	o, ok := f[number]
	return o, ok, nil
}

type fakePostCall struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (f *fakePostCall) Submit(s Snapshot) {
	f.mu.Lock()
	f.snaps = append(f.snaps, s)
	f.mu.Unlock()
}

func (f *fakePostCall) submitted() []Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Snapshot(nil), f.snaps...)
}

type harness struct {
	registry *Registry
	gateway  *fakeGateway
	gen      *fakeGenerator
	post     *fakePostCall
	orch     *Orchestrator
	router   *Router
}

const (
	ownedNumber   = "+46100001"
	unknownNumber = "+46100000"
	callerNumber  = "+46701234567"
)

func newHarness() *harness {
	h := &harness{
		registry: NewRegistry(WithRegistryLogger(discardLogger)),
		gateway:  &fakeGateway{fail: map[string]bool{}},
		gen:      &fakeGenerator{},
		post:     &fakePostCall{},
	}
	owners := fakeOwners{
		ownedNumber: {ID: "owner-1", VirtualNumber: ownedNumber, Greeting: "Hej, du har ringt Firma AB.",
			Forwarding: ForwardingPolicy{Mode: ModeAll, OwnerMobile: "+46709999999"}},
	}
	h.orch = NewOrchestrator(DefaultConfig(), h.registry, owners, h.gateway, h.gen, h.post, discardLogger)
	h.router = NewRouter(h.registry, h.orch, discardLogger)
	return h
}

func (h *harness) route(ev Event) error {
	err := h.router.Route(ev)
	h.registry.Wait()
	return err
}

func readyEvent(token, to string) Event {
	return Event{ID: "ev-" + token, Type: "call.initiated", Kind: KindReady, Token: token,
		From: callerNumber, To: to, Direction: "incoming"}
}

func transcriptEvent(token, text string, final bool) Event {
	return Event{Type: "call.transcription", Kind: KindTranscript, Token: token, Text: text, Final: final}
}

func hangupEvent(token string) Event {
	return Event{Type: "call.hangup", Kind: KindHangup, Token: token}
}
