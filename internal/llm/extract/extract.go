// Package extract turns the loosely shaped payloads returned by LLM job APIs
// into plain reply text.
//
// Input is whatever encoding/json produces when decoding into `any`:
// string, float64 or json.Number, bool, nil, []any and map[string]any.
// Rules are tried in a fixed priority order. A rule that finds a string
// field settles the result, even when that string is blank.
package extract

import (
	"encoding/json"
	"fmt"
	"strings"
)

// rule inspects one shape. matched reports that the rule settled the result.
type rule func(obj map[string]any) (text string, matched bool)

var (
	// first pass over list items
	itemRules = []rule{messageContent, textOrContent}
	// second pass over list items, only when the first found nothing
	assistantRules = []rule{assistantContent}
	// mapping payloads
	objectRules = []rule{directField, firstChoice, contentParts}
)

// Text returns the reply text contained in raw. It never fails: any shape it
// does not recognize, or a blank result, yields ok == false.
func Text(raw any) (text string, ok bool) {
	text, matched := fromValue(raw)
	if !matched || text == "" {
		return "", false
	}
	return text, true
}

func fromValue(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v), true
	case []any:
		return fromList(v)
	case map[string]any:
		return applyRules(objectRules, v)
	default:
		return "", false
	}
}

func fromList(items []any) (string, bool) {
	if len(items) == 0 {
		return "", false
	}

	// Fragments of one reply.
	if _, ok := items[0].(string); ok {
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = stringify(item)
		}
		return strings.TrimSpace(strings.Join(parts, " ")), true
	}

	for _, rules := range [][]rule{itemRules, assistantRules} {
		for _, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text, matched := applyRules(rules, obj); matched {
				return text, true
			}
		}
	}
	return "", false
}

func applyRules(rules []rule, obj map[string]any) (string, bool) {
	for _, r := range rules {
		if text, matched := r(obj); matched {
			return text, true
		}
	}
	return "", false
}

// messageContent matches {"message": {"content": "..."}}.
func messageContent(obj map[string]any) (string, bool) {
	msg, ok := obj["message"].(map[string]any)
	if !ok {
		return "", false
	}
	content, ok := msg["content"].(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(content), true
}

// textOrContent matches a string or a list of text parts under "text" or "content".
func textOrContent(obj map[string]any) (string, bool) {
	switch v := firstTruthy(obj["text"], obj["content"]).(type) {
	case string:
		return strings.TrimSpace(v), true
	case []any:
		return textPart(v)
	}
	return "", false
}

// assistantContent matches {"role": "assistant", "content": "..." | [parts]}.
func assistantContent(obj map[string]any) (string, bool) {
	if role, _ := obj["role"].(string); role != "assistant" {
		return "", false
	}
	switch v := obj["content"].(type) {
	case string:
		return strings.TrimSpace(v), true
	case []any:
		return textPart(v)
	}
	return "", false
}

// directField matches a string under "text", "content" or "message".
func directField(obj map[string]any) (string, bool) {
	if s, ok := firstTruthy(obj["text"], obj["content"], obj["message"]).(string); ok {
		return strings.TrimSpace(s), true
	}
	return "", false
}

// firstChoice matches the OpenAI shape {"choices": [{"message": {"content": "..."}}]}.
func firstChoice(obj map[string]any) (string, bool) {
	choices, ok := obj["choices"].([]any)
	if !ok || len(choices) == 0 {
		return "", false
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return "", false
	}
	return messageContent(choice)
}

// contentParts matches {"content": [{"type": "text", "text": "..."}]}.
func contentParts(obj map[string]any) (string, bool) {
	parts, ok := obj["content"].([]any)
	if !ok {
		return "", false
	}
	return textPart(parts)
}

// textPart returns the first {"type": "text", "text": "..."} part.
func textPart(parts []any) (string, bool) {
	for _, p := range parts {
		part, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if typ, _ := part["type"].(string); typ != "text" {
			continue
		}
		if t, ok := part["text"].(string); ok {
			return strings.TrimSpace(t), true
		}
	}
	return "", false
}

// firstTruthy returns the first non-empty value, or the last one when all are empty.
func firstTruthy(values ...any) any {
	for _, v := range values {
		if truthy(v) {
			return v
		}
	}
	if len(values) == 0 {
		return nil
	}
	return values[len(values)-1]
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case float64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
