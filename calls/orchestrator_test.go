package calls

import (
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestReadyWithoutOwnerHangsUp(t *testing.T) {
	h := newHarness()
	if err := h.route(readyEvent("tok", unknownNumber)); err != nil {
		t.Fatalf("route: %v", err)
	}
	if got := h.gateway.names(); !reflect.DeepEqual(got, []string{"hangup"}) {
		t.Fatalf("actions=%v, want [hangup]", got)
	}
	if _, ok := h.registry.Get("tok"); ok {
		t.Fatal("session created for unowned number")
	}
}

func TestReadyAnswersGreetsAndListens(t *testing.T) {
	h := newHarness()
	if err := h.route(readyEvent("tok", ownedNumber)); err != nil {
		t.Fatalf("route: %v", err)
	}
	want := []string{"answer", "speak", "transcription_start", "speak"}
	if got := h.gateway.names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("actions=%v, want %v", got, want)
	}
	acts := h.gateway.snapshot()
	if acts[1].Speech.Text != "Hej, du har ringt Firma AB." {
		t.Fatalf("greeting=%q", acts[1].Speech.Text)
	}
	if acts[2].Arg != "sv" {
		t.Fatalf("transcription language=%q", acts[2].Arg)
	}
	if !acts[3].Speech.Voice.SSML || !strings.Contains(acts[3].Speech.Text, `<break time="120s"/>`) {
		t.Fatalf("filler=%+v", acts[3].Speech)
	}
	s, ok := h.registry.Get("tok")
	if !ok {
		t.Fatal("no session")
	}
	if s.State() != StateListening {
		t.Fatalf("state=%s, want listening", s.State())
	}
}

func TestDuplicateReadyIsDropped(t *testing.T) {
	h := newHarness()
	h.route(readyEvent("tok", ownedNumber))
	h.gateway.reset()
	h.route(readyEvent("tok", ownedNumber))
	if got := h.gateway.names(); len(got) != 0 {
		t.Fatalf("duplicate ready issued %v", got)
	}
}

func TestReadyForwardsWhitelistedCaller(t *testing.T) {
	h := newHarness()
	owners := fakeOwners{ownedNumber: {ID: "o", Forwarding: ForwardingPolicy{
		Mode: ModeAll, OwnerMobile: "+46709999999", Whitelist: []string{callerNumber}}}}
	h.orch.owners = owners

	h.route(readyEvent("tok", ownedNumber))
	acts := h.gateway.snapshot()
	if len(acts) != 1 || acts[0].Name != "transfer" || acts[0].Arg != "+46709999999" {
		t.Fatalf("actions=%+v, want one transfer", acts)
	}
	if _, ok := h.registry.Get("tok"); ok {
		t.Fatal("forwarded call got a session")
	}
}

func TestTranscriptGeneratesAndSpeaks(t *testing.T) {
	h := newHarness()
	h.gen.respond = func(string) (Completion, error) {
		return Completion{Text: "Vilket nummer når vi dig på?"}, nil
	}
	h.route(readyEvent("tok", ownedNumber))
	h.gateway.reset()

	h.route(transcriptEvent("tok", "Hej, jag heter Anna", true))

	prompts := h.gen.calls()
	if len(prompts) != 1 {
		t.Fatalf("generation calls=%d, want 1", len(prompts))
	}
	if !strings.Contains(prompts[0], "Kund: Hej, jag heter Anna\nAI:") {
		t.Fatalf("prompt missing utterance: %q", prompts[0])
	}
	if strings.Count(prompts[0], "Hej, jag heter Anna") != 1 {
		t.Fatalf("utterance repeated in prompt")
	}

	s, _ := h.registry.Get("tok")
	turns := s.Turns()
	if len(turns) != 2 || turns[0].Role != RoleCaller || turns[1].Role != RoleAssistant {
		t.Fatalf("turns=%+v", turns)
	}

	acts := h.gateway.snapshot()
	want := []string{"playback_stop", "speak", "speak"}
	if got := h.gateway.names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("actions=%v, want %v", got, want)
	}
	if acts[1].Speech.Text != "Vilket nummer når vi dig på?" {
		t.Fatalf("reply=%q", acts[1].Speech.Text)
	}
	if acts[1].Speech.Voice.Voice != DefaultReplyVoice {
		t.Fatalf("reply voice=%q", acts[1].Speech.Voice.Voice)
	}
	if s.State() != StateListening {
		t.Fatalf("state=%s, want listening", s.State())
	}
}

func TestSecondTurnPromptCarriesHistory(t *testing.T) {
	h := newHarness()
	h.route(readyEvent("tok", ownedNumber))
	h.route(transcriptEvent("tok", "Jag heter Anna", true))
	h.route(transcriptEvent("tok", "Det gäller en offert", true))

	prompts := h.gen.calls()
	if len(prompts) != 2 {
		t.Fatalf("generation calls=%d", len(prompts))
	}
	if !strings.Contains(prompts[1], "Kund: Jag heter Anna\nAI: Kan du säga ditt namn?\nKund: Det gäller en offert\nAI:") {
		t.Fatalf("history not rendered: %q", prompts[1])
	}
}

func TestPartialAndBlankTranscriptsIgnored(t *testing.T) {
	h := newHarness()
	h.route(readyEvent("tok", ownedNumber))
	h.gateway.reset()

	h.route(transcriptEvent("tok", "Hej jag", false))
	h.route(transcriptEvent("tok", "   ", true))

	if n := len(h.gen.calls()); n != 0 {
		t.Fatalf("generation calls=%d, want 0", n)
	}
	s, _ := h.registry.Get("tok")
	if n := len(s.Turns()); n != 0 {
		t.Fatalf("turns=%d, want 0", n)
	}
	if got := h.gateway.names(); len(got) != 0 {
		t.Fatalf("actions=%v, want none", got)
	}
}

func TestGenerationFailureLeavesSessionListening(t *testing.T) {
	for name, respond := range map[string]func(string) (Completion, error){
		"error": func(string) (Completion, error) { return Completion{}, errors.New("deadline exceeded") },
		"empty": func(string) (Completion, error) { return Completion{Text: "  "}, nil },
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness()
			h.gen.respond = respond
			h.route(readyEvent("tok", ownedNumber))
			h.gateway.reset()

			h.route(transcriptEvent("tok", "Hallå?", true))

			s, _ := h.registry.Get("tok")
			if s.State() != StateListening {
				t.Fatalf("state=%s, want listening", s.State())
			}
			for _, turn := range s.Turns() {
				if turn.Role == RoleAssistant {
					t.Fatalf("assistant turn appended on failure: %+v", turn)
				}
			}
			if got := h.gateway.names(); len(got) != 0 {
				t.Fatalf("actions=%v, want none", got)
			}

			h.gen.respond = nil
			h.route(transcriptEvent("tok", "Hallå igen", true))
			if n := len(s.Turns()); n != 3 {
				t.Fatalf("turns=%d after recovery, want 3", n)
			}
		})
	}
}

func TestActionFailureDoesNotStopSequence(t *testing.T) {
	h := newHarness()
	h.gateway.fail["answer"] = true
	h.route(readyEvent("tok", ownedNumber))

	want := []string{"answer", "speak", "transcription_start", "speak"}
	if got := h.gateway.names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("actions=%v, want %v", got, want)
	}
	s, _ := h.registry.Get("tok")
	if s.State() != StateListening {
		t.Fatalf("state=%s", s.State())
	}
}

func TestHangupFunctionPlaysFarewellThenHangsUp(t *testing.T) {
	h := newHarness()
	h.gen.respond = func(string) (Completion, error) {
		return Completion{FunctionCalls: []FunctionCall{{Name: HangupFunction}}}, nil
	}
	h.route(readyEvent("tok", ownedNumber))
	h.gateway.reset()

	h.route(transcriptEvent("tok", "Jag vill sälja elavtal", true))

	acts := h.gateway.snapshot()
	if got := h.gateway.names(); !reflect.DeepEqual(got, []string{"playback_stop", "speak"}) {
		t.Fatalf("actions=%v", got)
	}
	if acts[1].Speech.Text != DefaultFarewell || acts[1].Speech.ClientState != farewellState {
		t.Fatalf("farewell=%+v", acts[1].Speech)
	}
	s, _ := h.registry.Get("tok")
	if s.State() != StateClosing {
		t.Fatalf("state=%s, want closing", s.State())
	}

	h.route(transcriptEvent("tok", "Hallå?", true))
	if n := len(h.gen.calls()); n != 1 {
		t.Fatalf("generation while closing: %d calls", n)
	}

	h.gateway.reset()
	h.route(Event{Type: "call.speak.ended", Kind: KindSpeakEnded, Token: "tok", ClientState: fillerState})
	if got := h.gateway.names(); len(got) != 0 {
		t.Fatalf("filler end triggered %v", got)
	}
	h.route(Event{Type: "call.speak.ended", Kind: KindSpeakEnded, Token: "tok", ClientState: farewellState})
	if got := h.gateway.names(); !reflect.DeepEqual(got, []string{"hangup"}) {
		t.Fatalf("actions=%v, want [hangup]", got)
	}
}

func TestFarewellSpeakFailureHangsUpImmediately(t *testing.T) {
	h := newHarness()
	h.gen.respond = func(string) (Completion, error) {
		return Completion{Text: "Tack, inte intresserade. Hej.", FunctionCalls: []FunctionCall{{Name: HangupFunction}}}, nil
	}
	h.route(readyEvent("tok", ownedNumber))
	h.gateway.reset()
	h.gateway.fail["speak"] = true

	h.route(transcriptEvent("tok", "Specialerbjudande!", true))
	if got := h.gateway.names(); !reflect.DeepEqual(got, []string{"playback_stop", "speak", "hangup"}) {
		t.Fatalf("actions=%v", got)
	}
}

func TestHangupSubmitsSnapshotOnce(t *testing.T) {
	h := newHarness()
	h.route(readyEvent("tok", ownedNumber))
	h.route(transcriptEvent("tok", "Jag heter Anna", true))
	h.route(transcriptEvent("tok", "Ring mig i morgon", true))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.router.Route(hangupEvent("tok"))
		}()
	}
	wg.Wait()
	h.registry.Wait()

	snaps := h.post.submitted()
	if len(snaps) != 1 {
		t.Fatalf("snapshots=%d, want 1", len(snaps))
	}
	if n := len(snaps[0].Turns); n != 4 {
		t.Fatalf("snapshot turns=%d, want 4", n)
	}
	if snaps[0].OwnerID != "owner-1" || snaps[0].CallerNumber != callerNumber {
		t.Fatalf("snapshot=%+v", snaps[0])
	}
}

func TestReadyAfterHangupIsDropped(t *testing.T) {
	h := newHarness()
	if err := h.route(hangupEvent("tok")); err != nil {
		t.Fatalf("route hangup: %v", err)
	}
	if err := h.route(readyEvent("tok", ownedNumber)); err != nil {
		t.Fatalf("route ready: %v", err)
	}
	if got := h.gateway.names(); len(got) != 0 {
		t.Fatalf("actions after late ready=%v, want none", got)
	}
	if h.registry.Len() != 0 {
		t.Fatalf("registry len=%d, want 0", h.registry.Len())
	}
	if got := h.post.submitted(); len(got) != 0 {
		t.Fatalf("snapshots submitted=%d for a call that never started", len(got))
	}
}

func TestTranscriptForUnknownSessionTolerated(t *testing.T) {
	h := newHarness()
	if err := h.route(transcriptEvent("ghost", "hej", true)); err != nil {
		t.Fatalf("route: %v", err)
	}
	if n := len(h.gen.calls()); n != 0 {
		t.Fatalf("generation calls=%d", n)
	}
}

func TestConcurrentTranscriptsAreSerialized(t *testing.T) {
	h := newHarness()
	h.gen.respond = func(string) (Completion, error) {
		time.Sleep(time.Millisecond)
		return Completion{Text: "ok"}, nil
	}
	h.route(readyEvent("tok", ownedNumber))

	texts := []string{"ett", "två", "tre", "fyra", "fem"}
	for _, text := range texts {
		h.router.Route(transcriptEvent("tok", text, true))
	}
	h.registry.Wait()

	if h.gen.maxSeen != 1 {
		t.Fatalf("max in-flight generations=%d, want 1", h.gen.maxSeen)
	}
	s, _ := h.registry.Get("tok")
	turns := s.Turns()
	if len(turns) != 2*len(texts) {
		t.Fatalf("turns=%d", len(turns))
	}
	for i, text := range texts {
		if turns[2*i].Text != text {
			t.Fatalf("turn %d=%q, want %q", 2*i, turns[2*i].Text, text)
		}
	}
	for i := 1; i < len(turns); i++ {
		if !turns[i].At.After(turns[i-1].At) {
			t.Fatalf("turn %d not after turn %d", i, i-1)
		}
	}
}

func TestActivityObserved(t *testing.T) {
	h := newHarness()
	var mu sync.Mutex
	var kinds []ActivityKind
	h.orch.Observe(func(a Activity) {
		mu.Lock()
		kinds = append(kinds, a.Kind)
		mu.Unlock()
	})
	h.route(readyEvent("tok", ownedNumber))
	h.route(transcriptEvent("tok", "hej", true))
	h.route(hangupEvent("tok"))

	want := []ActivityKind{ActivityCallStarted, ActivityTurn, ActivityTurn, ActivityCallEnded}
	if !reflect.DeepEqual(kinds, want) {
		t.Fatalf("activity=%v, want %v", kinds, want)
	}
}
