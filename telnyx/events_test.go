package telnyx

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strconv"
	"testing"
	"time"

	"vaxllo/calls"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name string
		body string
		want calls.Event
	}{
		{
			name: "incoming call",
			body: `{"data":{"id":"e1","event_type":"call.initiated","payload":{"call_control_id":"v3:1","from":"+46701","to":"+46100001","direction":"incoming"}}}`,
			want: calls.Event{ID: "e1", Type: "call.initiated", Kind: calls.KindReady, Token: "v3:1", From: "+46701", To: "+46100001", Direction: "incoming"},
		},
		{
			name: "outgoing call",
			body: `{"data":{"id":"e2","event_type":"call.initiated","payload":{"call_control_id":"v3:1","direction":"outgoing"}}}`,
			want: calls.Event{ID: "e2", Type: "call.initiated", Kind: calls.KindOther, Token: "v3:1", Direction: "outgoing"},
		},
		{
			name: "call without direction",
			body: `{"data":{"id":"e7","event_type":"call.initiated","payload":{"call_control_id":"v3:2","from":"+46701"}}}`,
			want: calls.Event{ID: "e7", Type: "call.initiated", Kind: calls.KindReady, Token: "v3:2", From: "+46701"},
		},
		{
			name: "final transcript",
			body: `{"data":{"id":"e3","event_type":"call.transcription","payload":{"call_control_id":"v3:1","transcription_data":{"transcript":"Hej","is_final":true,"confidence":0.9}}}}`,
			want: calls.Event{ID: "e3", Type: "call.transcription", Kind: calls.KindTranscript, Token: "v3:1", Text: "Hej", Final: true},
		},
		{
			name: "hangup",
			body: `{"data":{"id":"e4","event_type":"call.hangup","payload":{"call_control_id":"v3:1","hangup_cause":"normal_clearing"}}}`,
			want: calls.Event{ID: "e4", Type: "call.hangup", Kind: calls.KindHangup, Token: "v3:1"},
		},
		{
			name: "speak ended",
			body: `{"data":{"id":"e5","event_type":"call.speak.ended","payload":{"call_control_id":"v3:1","client_state":"` + EncodeClientState("farewell") + `"}}}`,
			want: calls.Event{ID: "e5", Type: "call.speak.ended", Kind: calls.KindSpeakEnded, Token: "v3:1", ClientState: "farewell"},
		},
		{
			name: "unrelated",
			body: `{"data":{"id":"e6","event_type":"call.answered","payload":{"call_control_id":"v3:1"}}}`,
			want: calls.Event{ID: "e6", Type: "call.answered", Kind: calls.KindOther, Token: "v3:1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEvent([]byte(tt.body))
			if err != nil {
				t.Fatalf("DecodeEvent: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got=%+v\nwant=%+v", got, tt.want)
			}
		})
	}
}

func TestDecodeEventMalformed(t *testing.T) {
	for _, body := range []string{`not json`, `{}`, `{"data":{"payload":{}}}`} {
		if _, err := DecodeEvent([]byte(body)); !errors.Is(err, calls.ErrMalformedEvent) {
			t.Errorf("DecodeEvent(%q) err=%v, want ErrMalformedEvent", body, err)
		}
	}
}

func TestVerifier(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	v, err := NewVerifier(base64.StdEncoding.EncodeToString(pub))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1_760_000_000, 0)
	v.now = func() time.Time { return now }

	body := []byte(`{"data":{"event_type":"call.hangup"}}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(ts+"|"+string(body))))

	if err := v.Verify(body, sig, ts); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := v.Verify([]byte(`{"tampered":true}`), sig, ts); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("tampered body err=%v", err)
	}
	old := strconv.FormatInt(now.Add(-time.Hour).Unix(), 10)
	if err := v.Verify(body, sig, old); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("stale timestamp err=%v", err)
	}
	if err := v.Verify(body, "", ts); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("missing signature err=%v", err)
	}
}

func TestNewVerifierRejectsBadKey(t *testing.T) {
	if _, err := NewVerifier("c2hvcnQ="); err == nil {
		t.Fatal("short key accepted")
	}
}
