package classify

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/invopop/jsonschema"

	"vaxllo/calls"
)

//go:embed prompt.tmpl
var promptSource string

var promptTemplate = template.Must(template.New("classify").
	Funcs(template.FuncMap{"join": strings.Join}).
	Parse(promptSource))

// Tags is the closed set of call categories.
var Tags = []string{"viktigt", "leads", "spam", "normal", "säljare", "support", "annat"}

// Urgencies is the closed urgency vocabulary.
var Urgencies = []string{"high", "medium", "low"}

// MaxSummaryLen bounds the stored summary, in characters.
const MaxSummaryLen = 280

// Result is the structured answer expected from the model.
type Result struct {
	Summary string `json:"summary" jsonschema:"title=Summary,description=Kort sammanfattning av samtalet (max 20 ord)"`
	Tag     string `json:"tag" jsonschema:"title=Tag,enum=viktigt,enum=leads,enum=spam,enum=normal,enum=säljare,enum=support,enum=annat"`
	Urgency string `json:"urgency" jsonschema:"title=Urgency,enum=high,enum=medium,enum=low"`
}

var resultSchema = func() string {
	reflector := jsonschema.Reflector{DoNotReference: true}
	b, err := reflector.Reflect(&Result{}).MarshalJSON()
	if err != nil {
		panic(fmt.Sprintf("classify: result schema: %v", err))
	}
	return string(b)
}()

// RenderTranscript renders turns as ordered "role: content" lines.
func RenderTranscript(turns []calls.Turn) string {
	lines := make([]string, len(turns))
	for i, t := range turns {
		lines[i] = string(t.Role) + ": " + t.Text
	}
	return strings.Join(lines, "\n")
}

// BuildPrompt renders the classification prompt for a transcript.
func BuildPrompt(transcript string) (string, error) {
	var b strings.Builder
	err := promptTemplate.Execute(&b, struct {
		Transcript string
		Tags       []string
		Urgencies  []string
		Schema     string
	}{transcript, Tags, Urgencies, resultSchema})
	if err != nil {
		return "", fmt.Errorf("failed to render classification prompt: %w", err)
	}
	return b.String(), nil
}
