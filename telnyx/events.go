package telnyx

import (
	"encoding/json"
	"fmt"

	"vaxllo/calls"
)

// Telnyx Call Control webhook event envelope
type webhookEvent struct {
	Data struct {
		ID        string `json:"id"`
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID     string `json:"call_control_id"`
			From              string `json:"from"`
			To                string `json:"to"`
			Direction         string `json:"direction"`
			ClientState       string `json:"client_state,omitempty"`
			HangupCause       string `json:"hangup_cause,omitempty"`
			TranscriptionData *struct {
				Transcript string  `json:"transcript"`
				IsFinal    bool    `json:"is_final"`
				Confidence float64 `json:"confidence"`
			} `json:"transcription_data,omitempty"`
		} `json:"payload"`
	} `json:"data"`
}

const (
	EventCallInitiated = "call.initiated"
	EventTranscription = "call.transcription"
	EventHangup        = "call.hangup"
	EventSpeakEnded    = "call.speak.ended"
)

// DecodeEvent parses a webhook body into a routable event. Bodies that are
// not a Telnyx envelope yield calls.ErrMalformedEvent.
func DecodeEvent(body []byte) (calls.Event, error) {
	var we webhookEvent
	if err := json.Unmarshal(body, &we); err != nil {
		return calls.Event{}, fmt.Errorf("%w: %v", calls.ErrMalformedEvent, err)
	}
	if we.Data.EventType == "" {
		return calls.Event{}, fmt.Errorf("%w: missing event_type", calls.ErrMalformedEvent)
	}

	p := we.Data.Payload
	ev := calls.Event{
		ID:        we.Data.ID,
		Type:      we.Data.EventType,
		Token:     p.CallControlID,
		From:      p.From,
		To:        p.To,
		Direction: p.Direction,
	}
	if p.ClientState != "" {
		ev.ClientState = DecodeClientState(p.ClientState)
	}

	switch we.Data.EventType {
	case EventCallInitiated:
		// A missing direction is treated as incoming so the router's
		// checks decide whether the call can be used.
		if p.Direction == "incoming" || p.Direction == "" {
			ev.Kind = calls.KindReady
		}
	case EventTranscription:
		ev.Kind = calls.KindTranscript
		if td := p.TranscriptionData; td != nil {
			ev.Text = td.Transcript
			ev.Final = td.IsFinal
		}
	case EventHangup:
		ev.Kind = calls.KindHangup
	case EventSpeakEnded:
		ev.Kind = calls.KindSpeakEnded
	}
	return ev, nil
}
