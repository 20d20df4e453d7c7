package classify

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

var ErrClassificationParse = errors.New("classification parse failed")

// Parse decodes a model answer into a validated Result. Markdown code fences
// around the JSON are tolerated; anything else that does not decode, or a tag
// or urgency outside the closed sets, is ErrClassificationParse.
func Parse(text string) (Result, error) {
	raw := stripFences(text)
	if raw == "" {
		return Result{}, fmt.Errorf("%w: empty response", ErrClassificationParse)
	}

	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		// Some answers wrap the object in prose.
		start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}")
		if start < 0 || end <= start {
			return Result{}, fmt.Errorf("%w: %v", ErrClassificationParse, err)
		}
		if err := json.Unmarshal([]byte(raw[start:end+1]), &res); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrClassificationParse, err)
		}
	}

	res.Summary = truncate(strings.TrimSpace(res.Summary), MaxSummaryLen)
	res.Tag = strings.ToLower(strings.TrimSpace(res.Tag))
	res.Urgency = strings.ToLower(strings.TrimSpace(res.Urgency))

	if res.Summary == "" {
		return Result{}, fmt.Errorf("%w: missing summary", ErrClassificationParse)
	}
	if !slices.Contains(Tags, res.Tag) {
		return Result{}, fmt.Errorf("%w: unknown tag %q", ErrClassificationParse, res.Tag)
	}
	if !slices.Contains(Urgencies, res.Urgency) {
		return Result{}, fmt.Errorf("%w: unknown urgency %q", ErrClassificationParse, res.Urgency)
	}
	return res, nil
}

func stripFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
