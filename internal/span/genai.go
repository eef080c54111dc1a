package span

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Attribute keys consulted, in order, when a GenAI field is not set
// explicitly on the record. Newer semantic-convention names come first,
// legacy names after.
var (
	inputTokenKeys = []string{
		"gen_ai.usage.input_tokens",
		"gen_ai.usage.prompt_tokens",
		"gen_ai.response.prompt_tokens",
		"llm.usage.prompt_tokens",
	}
	outputTokenKeys = []string{
		"gen_ai.usage.output_tokens",
		"gen_ai.usage.completion_tokens",
		"gen_ai.response.completion_tokens",
		"llm.usage.completion_tokens",
	}
	modelKeys = []string{
		"gen_ai.response.model",
		"gen_ai.request.model",
		"llm.model_name",
	}
	providerKeys = []string{
		"gen_ai.provider.name",
		"gen_ai.system",
	}
	costKeys = []string{
		"gen_ai.usage.cost",
		"llm.usage.cost",
	}
	sessionKeys = []string{
		"session.id",
		"gen_ai.conversation.id",
	}
)

var pathEscaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)

// attr looks up a flat, dotted attribute key in the JSON attributes blob.
// Keys are stored flat ({"gen_ai.usage.input_tokens": 12}), so the dots
// must be escaped for gjson.
func attr(blob []byte, key string) gjson.Result {
	if len(blob) == 0 {
		return gjson.Result{}
	}
	return gjson.GetBytes(blob, pathEscaper.Replace(key))
}

func firstAttr(blob []byte, keys []string) (gjson.Result, bool) {
	for _, key := range keys {
		if res := attr(blob, key); res.Exists() && res.Type != gjson.Null {
			return res, true
		}
	}
	return gjson.Result{}, false
}

// resolveGenAI applies the fallback chain for every GenAI field the record
// does not carry explicitly.
func resolveGenAI(r *Record) {
	if len(r.Attributes) == 0 {
		return
	}
	if r.InputTokens == nil {
		if res, ok := firstAttr(r.Attributes, inputTokenKeys); ok && res.Int() >= 0 {
			r.InputTokens = Int64(res.Int())
		}
	}
	if r.OutputTokens == nil {
		if res, ok := firstAttr(r.Attributes, outputTokenKeys); ok && res.Int() >= 0 {
			r.OutputTokens = Int64(res.Int())
		}
	}
	if r.Model == "" {
		if res, ok := firstAttr(r.Attributes, modelKeys); ok {
			r.Model = res.String()
		}
	}
	if r.Provider == "" {
		if res, ok := firstAttr(r.Attributes, providerKeys); ok {
			r.Provider = res.String()
		}
	}
	if r.CostUSD == nil {
		if res, ok := firstAttr(r.Attributes, costKeys); ok {
			r.CostUSD = Float64(res.Float())
		}
	}
}

// SessionKey returns the id of the session a span belongs to: the explicit
// session id, a session attribute, or the trace id as a last resort.
func SessionKey(r *Record) string {
	if r.SessionID != "" {
		return r.SessionID
	}
	if res, ok := firstAttr(r.Attributes, sessionKeys); ok && res.String() != "" {
		return res.String()
	}
	return r.TraceID
}
