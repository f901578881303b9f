package textgen

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/salonworks/storyline/internal/resilience"
)

// DecodeJSON parses the JSON object in a completion into v. Markdown code
// fences and prose around the object are tolerated; anything else is a
// *resilience.MalformedOutputError.
func DecodeJSON(text string, v any) error {
	obj := extractObject(text)
	if obj == "" {
		return resilience.NewMalformedOutputError(eris.New("textgen: no JSON object in completion"), text)
	}
	if err := json.Unmarshal([]byte(obj), v); err != nil {
		return resilience.NewMalformedOutputError(eris.Wrap(err, "textgen: decode completion"), text)
	}
	return nil
}

// extractObject returns the substring from the first '{' to the last '}'.
func extractObject(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
