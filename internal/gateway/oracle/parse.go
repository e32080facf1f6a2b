package oracle

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"scalpctl/internal/strategy/signal"
)

const maxReasonLen = 100

const judgmentSchema = `{
  "type": "object",
  "required": ["decision", "confidence"],
  "properties": {
    "decision":     {"type": "string", "minLength": 1},
    "confidence":   {"type": "number"},
    "target_price": {"type": "number"},
    "reason":       {"type": "string"}
  }
}`

var (
	thinkBlock = regexp.MustCompile(`(?is)<think>.*?</think>`)
	codeFence  = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
)

var compiledSchema = mustCompileSchema(judgmentSchema)

func mustCompileSchema(raw string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("judgment.json", strings.NewReader(raw)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("judgment.json")
}

// ParseJudgment extracts a judgment from a model reply. Any reply that does
// not carry a usable decision becomes HOLD with the parse problem as reason.
// A missing or unusable target price is left at zero, which the premium gate
// rejects.
func ParseJudgment(raw string, at time.Time) signal.Judgment {
	obj, err := extractObject(raw)
	if err != nil {
		return signal.Hold("unparseable oracle reply: "+err.Error(), at)
	}
	var doc any
	if err := json.Unmarshal([]byte(obj), &doc); err != nil {
		return signal.Hold("unparseable oracle reply: "+err.Error(), at)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return signal.Hold("oracle reply failed schema: "+firstLine(err.Error()), at)
	}

	parsed := gjson.Parse(obj)
	j := signal.Judgment{
		Verdict:    signal.DecisionHold,
		Confidence: clamp01(parsed.Get("confidence").Float()),
		Reason:     truncate(strings.TrimSpace(parsed.Get("reason").String()), maxReasonLen),
		At:         at,
	}
	if strings.EqualFold(strings.TrimSpace(parsed.Get("decision").String()), string(signal.DecisionBuy)) {
		j.Verdict = signal.DecisionBuy
	}
	if tp := parsed.Get("target_price").Float(); tp > 0 && !math.IsInf(tp, 0) && !math.IsNaN(tp) {
		j.TargetPrice = tp
	}
	return j
}

// extractObject returns the first JSON object in the reply, after dropping
// reasoning blocks and code fences. Keys are lower-cased.
func extractObject(raw string) (string, error) {
	text := thinkBlock.ReplaceAllString(raw, "")
	if m := codeFence.FindStringSubmatch(text); len(m) == 2 {
		text = m[1]
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("empty reply")
	}
	start := strings.Index(text, "{")
	if start < 0 {
		return "", fmt.Errorf("no json object")
	}
	candidate := ""
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate = text[start : i+1]
			}
		}
		if candidate != "" {
			break
		}
	}
	if candidate == "" || !gjson.Valid(candidate) {
		return "", fmt.Errorf("invalid json object")
	}
	return lowerKeys(candidate), nil
}

func lowerKeys(obj string) string {
	out := make(map[string]json.RawMessage)
	gjson.Parse(obj).ForEach(func(key, value gjson.Result) bool {
		k := strings.ToLower(strings.TrimSpace(key.String()))
		if k == "verdict" {
			k = "decision"
		}
		out[k] = json.RawMessage(value.Raw)
		return true
	})
	b, err := json.Marshal(out)
	if err != nil {
		return obj
	}
	return string(b)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
