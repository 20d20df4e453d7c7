package calls

import (
	"context"
	"slices"
	"strings"
	"time"
)

// Forwarding modes. In ModeAll the assistant answers every caller; otherwise
// the call is handed to the owner's mobile.
const (
	ModeAll       = "all"
	ModeWhitelist = "whitelist"
	ModeOwner     = "owner"
)

// ForwardingPolicy decides whether a caller is put through to the owner
// instead of the assistant.
type ForwardingPolicy struct {
	Mode        string
	OwnerMobile string
	Whitelist   []string
}

// NormalizeNumber strips whitespace from a phone number. Stored numbers and
// incoming caller ids are compared in this form.
func NormalizeNumber(number string) string {
	return strings.Join(strings.Fields(number), "")
}

// ShouldForward reports whether caller should be transferred to the owner.
// Whitelisted callers always reach the owner; any mode other than "all"
// forwards everyone. Without an owner mobile nothing is forwarded.
func (p ForwardingPolicy) ShouldForward(caller string) bool {
	if p.OwnerMobile == "" {
		return false
	}
	if slices.Contains(p.Whitelist, NormalizeNumber(caller)) {
		return true
	}
	return p.Mode != "" && p.Mode != ModeAll
}

// Owner is the subscriber that owns a virtual number.
type Owner struct {
	ID             string
	VirtualNumber  string
	Greeting       string
	Forwarding     ForwardingPolicy
	TelegramChatID int64
}

type OwnerDirectory interface {
	FindOwnerByCalleeNumber(ctx context.Context, number string) (Owner, bool, error)
}

// VoiceProfile selects the TTS voice for a speak action.
type VoiceProfile struct {
	Voice    string
	Language string
	SSML     bool
	// APIKeyRef names the stored credential for third-party voices.
	APIKeyRef string
}

// Speech is the payload of a speak action. ClientState is echoed back by the
// telephony provider on events caused by this command.
type Speech struct {
	Text        string
	Voice       VoiceProfile
	ClientState string
}

// ActionGateway issues Call Control commands.
type ActionGateway interface {
	Answer(ctx context.Context, token string) error
	Speak(ctx context.Context, token string, speech Speech) error
	StopPlayback(ctx context.Context, token string) error
	StartTranscription(ctx context.Context, token, language string) error
	Hangup(ctx context.Context, token string) error
	Transfer(ctx context.Context, token, to string) error
}

// FunctionDecl declares a function the model may call.
type FunctionDecl struct {
	Name        string
	Description string
	// Parameters maps parameter name to its description. All are strings.
	Parameters map[string]string
	Required   []string
}

type FunctionCall struct {
	Name string
	Args map[string]any
}

type GenerateRequest struct {
	Prompt    string
	Functions []FunctionDecl
	// JSON asks for a JSON-only response.
	JSON bool
}

type Completion struct {
	Text          string
	FunctionCalls []FunctionCall
}

// Called reports whether the model invoked the named function.
func (c Completion) Called(name string) bool {
	for _, fc := range c.FunctionCalls {
		if fc.Name == name {
			return true
		}
	}
	return false
}

type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (Completion, error)
}

// CallRecord is what gets persisted for a classified call.
type CallRecord struct {
	ID           string
	OwnerID      string
	CallerNumber string
	Transcript   string
	Summary      string
	Tag          string
	Urgency      string
	CreatedAt    time.Time
}

type RecordSink interface {
	SaveCallRecord(ctx context.Context, rec CallRecord) error
}

// PostCallSink receives finished sessions. Submit must not block on the
// classification itself.
type PostCallSink interface {
	Submit(snap Snapshot)
}
