package calls

import (
	"log/slog"
	"strings"
)

// Kind is the routing category of an inbound event.
type Kind int

const (
	KindOther Kind = iota
	KindReady
	KindTranscript
	KindHangup
	KindSpeakEnded
)

func (k Kind) String() string {
	switch k {
	case KindReady:
		return "ready"
	case KindTranscript:
		return "transcript"
	case KindHangup:
		return "hangup"
	case KindSpeakEnded:
		return "speak_ended"
	}
	return "other"
}

// Event is a decoded webhook delivery.
type Event struct {
	ID          string
	Type        string
	Kind        Kind
	Token       string
	From        string
	To          string
	Direction   string
	ClientState string

	// transcription
	Text  string
	Final bool
}

// Handler receives routed events. The orchestrator implements it.
type Handler interface {
	OnReady(ev Event)
	OnTranscript(ev Event)
	OnHangup(ev Event)
	OnSpeakEnded(ev Event)
	// OnRejected hangs up a call whose ready event could not be used.
	OnRejected(ev Event)
}

// Router validates events and queues them on the token's registry lane. It
// never performs remote work itself, so the webhook can be acknowledged as
// soon as Route returns.
type Router struct {
	registry *Registry
	handler  Handler
	logger   *slog.Logger
}

func NewRouter(registry *Registry, handler Handler, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{registry: registry, handler: handler, logger: logger.With("component", "router")}
}

// Route dispatches ev. Only malformed ready events return an error; when the
// token is known the call is still queued for a hang-up.
func (r *Router) Route(ev Event) error {
	switch ev.Kind {
	case KindReady:
		if ev.Token == "" {
			return malformed("%s without call_control_id", ev.Type)
		}
		if strings.TrimSpace(ev.To) == "" {
			r.registry.Submit(ev.Token, func() { r.handler.OnRejected(ev) })
			return malformed("%s for %s without callee number", ev.Type, ev.Token)
		}
		r.registry.Submit(ev.Token, func() { r.handler.OnReady(ev) })

	case KindTranscript:
		if ev.Token == "" {
			r.logger.Warn("transcript without call_control_id dropped", "event_id", ev.ID)
			return nil
		}
		if !ev.Final {
			return nil
		}
		if strings.TrimSpace(ev.Text) == "" {
			r.logger.Debug("blank final transcript ignored", "call_control_id", ev.Token)
			return nil
		}
		r.registry.Submit(ev.Token, func() { r.handler.OnTranscript(ev) })

	case KindHangup:
		if ev.Token == "" {
			r.logger.Warn("hangup without call_control_id dropped", "event_id", ev.ID)
			return nil
		}
		r.registry.Submit(ev.Token, func() { r.handler.OnHangup(ev) })

	case KindSpeakEnded:
		if ev.Token == "" {
			return nil
		}
		r.registry.Submit(ev.Token, func() { r.handler.OnSpeakEnded(ev) })

	default:
		r.logger.Debug("event ignored", "event_type", ev.Type, "call_control_id", ev.Token)
	}
	return nil
}
