package extraction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrParse marks a reply that is not a usable extraction result
var ErrParse = errors.New("unparseable model reply")

var compiledReplySchema = jsonschema.MustCompileString("reply.json", replySchema)

// Result is a parsed reply: document-level fields plus the ordered line items.
// Keys are canonical column names where they match one.
type Result struct {
	Fields map[string]any
	Items  []map[string]any
}

// CleanReply strips code fences and any text around the outermost JSON
// object. Running it on its own output returns the same string.
func CleanReply(raw string) (string, error) {
	text := strings.TrimSpace(raw)

	if strings.HasPrefix(text, "```") {
		// Drop the fence and its language tag; JSON may follow on the same line
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimLeftFunc(text, isTagRune)
		text = strings.TrimSpace(text)
		text = strings.TrimSuffix(text, "```")
		text = strings.TrimSpace(text)
	}

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return "", fmt.Errorf("%w: no JSON object found in response", ErrParse)
	}

	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return "", fmt.Errorf("%w: invalid JSON object in response", ErrParse)
	}

	return text[startIdx : endIdx+1], nil
}

func isTagRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '+'
}

// Normalize turns a raw model reply into a Result. Malformed JSON or a reply
// without an items list is an ErrParse; no default data is substituted.
func Normalize(raw string) (*Result, error) {
	text, err := CleanReply(raw)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling json: %v", ErrParse, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after JSON object", ErrParse)
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: reply is not a JSON object", ErrParse)
	}

	// Accept "Items" or any other casing of the list key
	for k, v := range obj {
		if k != itemsKey && strings.EqualFold(strings.TrimSpace(k), itemsKey) {
			if _, exists := obj[itemsKey]; !exists {
				obj[itemsKey] = v
			}
			delete(obj, k)
		}
	}

	if err := compiledReplySchema.Validate(obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	result := &Result{Fields: make(map[string]any, len(obj))}
	for k, v := range obj {
		if k == itemsKey {
			continue
		}
		result.Fields[canonicalKey(k)] = v
	}

	list, _ := obj[itemsKey].([]any)
	result.Items = make([]map[string]any, 0, len(list))
	for _, entry := range list {
		raw, _ := entry.(map[string]any)
		item := make(map[string]any, len(raw))
		for k, v := range raw {
			item[canonicalKey(k)] = v
		}
		result.Items = append(result.Items, item)
	}

	return result, nil
}

// isAbsent reports whether a decoded value should be shown as the sentinel
func isAbsent(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	default:
		return false
	}
}

// FormatValue renders a decoded value as table text
func FormatValue(v any) string {
	if isAbsent(v) {
		return Sentinel
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(t); err != nil {
			return fmt.Sprint(t)
		}
		return strings.TrimSpace(buf.String())
	}
}
