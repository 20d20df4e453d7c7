package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultReplyVoice = "ElevenLabs.eleven_multilingual_v2.Azw9ahQtVs7SL0Xibr2c"
	DefaultGreeting   = "Hej! Du har kommit till vår receptionist. Vad kan jag hjälpa dig med?"
)

type Config struct {
	TranscriptionLanguage string
	ReplyVoice            VoiceProfile
	FillerVoice           VoiceProfile
	// FillerPause is the length of the silent SSML break kept playing while
	// the caller talks.
	FillerPause       time.Duration
	ActionTimeout     time.Duration
	GenerationTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		TranscriptionLanguage: "sv",
		ReplyVoice:            VoiceProfile{Voice: DefaultReplyVoice, APIKeyRef: "elevenlabs_key"},
		FillerVoice:           VoiceProfile{Voice: "female", Language: "sv-SE", SSML: true},
		FillerPause:           120 * time.Second,
		ActionTimeout:         10 * time.Second,
		GenerationTimeout:     20 * time.Second,
	}
}

func (c Config) filler() string {
	return fmt.Sprintf(`<speak><break time="%ds"/></speak>`, int(c.FillerPause/time.Second))
}

type ActivityKind string

const (
	ActivityCallStarted   ActivityKind = "call_started"
	ActivityCallForwarded ActivityKind = "call_forwarded"
	ActivityTurn          ActivityKind = "turn"
	ActivityCallEnded     ActivityKind = "call_ended"
)

// Activity is a notable moment in a call, reported to the observer.
type Activity struct {
	Kind         ActivityKind `json:"kind"`
	Token        string       `json:"call_control_id"`
	OwnerID      string       `json:"owner_id,omitempty"`
	CallerNumber string       `json:"caller_number,omitempty"`
	Role         Role         `json:"role,omitempty"`
	Text         string       `json:"text,omitempty"`
	At           time.Time    `json:"at"`
}

// Orchestrator drives one conversation per token. All its handlers are
// invoked from the token's registry lane, never concurrently for one token.
type Orchestrator struct {
	cfg       Config
	registry  *Registry
	owners    OwnerDirectory
	gateway   ActionGateway
	generator Generator
	postCall  PostCallSink
	logger    *slog.Logger
	observer  func(Activity)
}

func NewOrchestrator(cfg Config, registry *Registry, owners OwnerDirectory, gateway ActionGateway,
	generator Generator, postCall PostCallSink, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		registry:  registry,
		owners:    owners,
		gateway:   gateway,
		generator: generator,
		postCall:  postCall,
		logger:    logger.With("component", "orchestrator"),
	}
}

// Observe registers fn to receive call activity. It must be set before
// events are routed and fn must not block.
func (o *Orchestrator) Observe(fn func(Activity)) {
	o.observer = fn
}

func (o *Orchestrator) emit(a Activity) {
	if o.observer == nil {
		return
	}
	if a.At.IsZero() {
		a.At = o.registry.now()
	}
	o.observer(a)
}

func (o *Orchestrator) OnReady(ev Event) {
	ctx, span := tracer.Start(context.Background(), "call ready",
		trace.WithAttributes(attribute.String("call.control_id", ev.Token)))
	defer span.End()

	log := o.logger.With("call_control_id", ev.Token)
	if o.registry.known(ev.Token) {
		log.Info("duplicate ready event dropped")
		return
	}

	owner, found := o.lookupOwner(ctx, ev.To, log)
	if !found {
		log.Warn("no owner for callee, hanging up", "to", ev.To)
		o.act(ctx, ev.Token, "hangup", func(ctx context.Context) error {
			return o.gateway.Hangup(ctx, ev.Token)
		})
		return
	}

	if owner.Forwarding.ShouldForward(ev.From) {
		log.Info("forwarding call to owner", "owner_id", owner.ID)
		o.act(ctx, ev.Token, "transfer", func(ctx context.Context) error {
			return o.gateway.Transfer(ctx, ev.Token, owner.Forwarding.OwnerMobile)
		})
		o.emit(Activity{Kind: ActivityCallForwarded, Token: ev.Token, OwnerID: owner.ID, CallerNumber: ev.From})
		return
	}

	s, err := o.registry.Create(ev.Token, ev.From, ev.To, owner.ID)
	if err != nil {
		log.Info("session not created", "err", err)
		return
	}
	o.transition(s, StateAnswered)

	greeting := owner.Greeting
	if strings.TrimSpace(greeting) == "" {
		greeting = DefaultGreeting
	}

	o.act(ctx, ev.Token, "answer", func(ctx context.Context) error {
		return o.gateway.Answer(ctx, ev.Token)
	})
	o.act(ctx, ev.Token, "speak", func(ctx context.Context) error {
		return o.gateway.Speak(ctx, ev.Token, Speech{Text: greeting, Voice: o.cfg.ReplyVoice})
	})
	o.act(ctx, ev.Token, "transcription_start", func(ctx context.Context) error {
		return o.gateway.StartTranscription(ctx, ev.Token, o.cfg.TranscriptionLanguage)
	})
	o.speakFiller(ctx, ev.Token)
	o.transition(s, StateListening)

	callsStarted.Add(ctx, 1)
	log.Info("call answered", "owner_id", owner.ID, "from", ev.From)
	o.emit(Activity{Kind: ActivityCallStarted, Token: ev.Token, OwnerID: owner.ID, CallerNumber: ev.From, At: s.CreatedAt})
}

func (o *Orchestrator) lookupOwner(ctx context.Context, callee string, log *slog.Logger) (Owner, bool) {
	if o.owners == nil {
		return Owner{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ActionTimeout)
	defer cancel()
	owner, found, err := o.owners.FindOwnerByCalleeNumber(ctx, callee)
	if err != nil {
		log.Error("owner lookup failed", "to", callee, "err", err)
		return Owner{}, false
	}
	return owner, found
}

func (o *Orchestrator) OnTranscript(ev Event) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}
	log := o.logger.With("call_control_id", ev.Token)

	s, ok := o.registry.Get(ev.Token)
	if !ok {
		log.Warn("transcript for unknown session")
		return
	}
	if st := s.State(); st == StateClosing {
		log.Debug("transcript ignored while closing")
		return
	}
	if !o.transition(s, StateResponding) {
		return
	}

	ctx, span := tracer.Start(context.Background(), "call transcript",
		trace.WithAttributes(attribute.String("call.control_id", ev.Token)))
	defer span.End()

	history := s.Turns()
	caller, err := o.registry.AppendTurn(ev.Token, Turn{Role: RoleCaller, Text: text})
	if err != nil {
		log.Error("append caller turn", "err", err)
		return
	}
	o.emitTurn(s, caller)

	completion, err := o.generate(ctx, BuildPrompt(history, text))
	reply := strings.TrimSpace(completion.Text)
	hangup := err == nil && completion.Called(HangupFunction)
	if err == nil && reply == "" && !hangup {
		err = fmt.Errorf("%w: empty reply", ErrGeneration)
	}
	if err != nil {
		span.RecordError(err)
		generationFailures.Add(ctx, 1)
		log.Error("no reply generated", "err", err)
		o.transition(s, StateListening)
		return
	}

	if hangup && reply == "" {
		reply = DefaultFarewell
	}
	assistant, err := o.registry.AppendTurn(ev.Token, Turn{Role: RoleAssistant, Text: reply})
	if err != nil {
		log.Error("append assistant turn", "err", err)
		return
	}
	o.emitTurn(s, assistant)

	o.act(ctx, ev.Token, "playback_stop", func(ctx context.Context) error {
		return o.gateway.StopPlayback(ctx, ev.Token)
	})

	if hangup {
		o.transition(s, StateClosing)
		log.Info("assistant ending call")
		ok := o.act(ctx, ev.Token, "speak", func(ctx context.Context) error {
			return o.gateway.Speak(ctx, ev.Token, Speech{Text: reply, Voice: o.cfg.ReplyVoice, ClientState: farewellState})
		})
		if !ok {
			o.act(ctx, ev.Token, "hangup", func(ctx context.Context) error {
				return o.gateway.Hangup(ctx, ev.Token)
			})
		}
		return
	}

	o.act(ctx, ev.Token, "speak", func(ctx context.Context) error {
		return o.gateway.Speak(ctx, ev.Token, Speech{Text: reply, Voice: o.cfg.ReplyVoice})
	})
	o.speakFiller(ctx, ev.Token)
	o.transition(s, StateListening)
}

func (o *Orchestrator) generate(ctx context.Context, prompt string) (Completion, error) {
	if o.generator == nil {
		return Completion{}, fmt.Errorf("%w: no generator configured", ErrGeneration)
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.GenerationTimeout)
	defer cancel()
	completion, err := o.generator.Generate(ctx, GenerateRequest{
		Prompt:    prompt,
		Functions: []FunctionDecl{HangupDeclaration},
	})
	if err != nil && !errors.Is(err, ErrGeneration) {
		err = fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	return completion, err
}

func (o *Orchestrator) OnRejected(ev Event) {
	if o.registry.known(ev.Token) {
		return
	}
	o.logger.Warn("malformed ready event, hanging up", "call_control_id", ev.Token)
	o.act(context.Background(), ev.Token, "hangup", func(ctx context.Context) error {
		return o.gateway.Hangup(ctx, ev.Token)
	})
}

// OnSpeakEnded hangs up once the farewell has been played.
func (o *Orchestrator) OnSpeakEnded(ev Event) {
	if ev.ClientState != farewellState {
		return
	}
	s, ok := o.registry.Get(ev.Token)
	if !ok || s.State() != StateClosing {
		return
	}
	o.act(context.Background(), ev.Token, "hangup", func(ctx context.Context) error {
		return o.gateway.Hangup(ctx, ev.Token)
	})
}

func (o *Orchestrator) OnHangup(ev Event) {
	s, live := o.registry.Get(ev.Token)
	snap, ok := o.registry.Remove(ev.Token)
	if !ok {
		o.logger.Debug("hangup for unknown or ended session", "call_control_id", ev.Token)
		return
	}
	if live {
		o.transition(s, StateEnded)
	}
	o.logger.Info("call ended", "call_control_id", ev.Token, "turns", len(snap.Turns))
	o.emit(Activity{Kind: ActivityCallEnded, Token: ev.Token, OwnerID: snap.OwnerID, CallerNumber: snap.CallerNumber, At: snap.EndedAt})

	if o.postCall != nil {
		o.postCall.Submit(snap)
	}
}

func (o *Orchestrator) speakFiller(ctx context.Context, token string) {
	o.act(ctx, token, "speak", func(ctx context.Context) error {
		return o.gateway.Speak(ctx, token, Speech{Text: o.cfg.filler(), Voice: o.cfg.FillerVoice, ClientState: fillerState})
	})
}

func (o *Orchestrator) emitTurn(s *Session, t Turn) {
	o.emit(Activity{
		Kind:         ActivityTurn,
		Token:        s.Token,
		OwnerID:      s.OwnerID,
		CallerNumber: s.CallerNumber,
		Role:         t.Role,
		Text:         t.Text,
		At:           t.At,
	})
}

func (o *Orchestrator) transition(s *Session, to State) bool {
	if err := s.Transition(to); err != nil {
		o.logger.Error("state transition rejected", "call_control_id", s.Token, "err", err)
		return false
	}
	return true
}

// act runs one remote action under the action timeout. Failures are logged
// and reported as false; the caller carries on with its sequence.
func (o *Orchestrator) act(ctx context.Context, token, action string, fn func(context.Context) error) bool {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ActionTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "call action "+action,
		trace.WithAttributes(attribute.String("call.action", action)))
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		actionFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
		o.logger.Error("call action failed", "call_control_id", token, "action", action, "err", err)
		return false
	}
	return true
}
