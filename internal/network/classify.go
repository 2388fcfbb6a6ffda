package network

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/PaesslerAG/jsonpath"

	"github.com/shehryarbajwa/pagepulse/pkg/models"
)

// BodyKind tells which variant of ParsedBody is populated
type BodyKind int

const (
	BodyNone BodyKind = iota
	BodyJSON
	BodyText
)

// ParsedBody is a captured response body
type ParsedBody struct {
	Kind BodyKind
	JSON any
	Text string
}

// Value returns what is stored on the request record
func (b ParsedBody) Value() any {
	switch b.Kind {
	case BodyJSON:
		return b.JSON
	case BodyText:
		return b.Text
	}
	return nil
}

// ParseBody decodes JSON when the body parses as JSON and keeps raw text otherwise
func ParseBody(raw string) ParsedBody {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ParsedBody{Kind: BodyText, Text: raw}
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		var doc any
		if err := json.Unmarshal([]byte(trimmed), &doc); err == nil {
			return ParsedBody{Kind: BodyJSON, JSON: doc}
		}
	}
	return ParsedBody{Kind: BodyText, Text: raw}
}

// BodyRule is a heuristic over backend error conventions
type BodyRule struct {
	Name  string
	Match func(ParsedBody) (string, bool)
}

// DefaultBodyRules are evaluated in order and the last match supplies the detail
var DefaultBodyRules = []BodyRule{
	{Name: "code", Match: nonZeroCode},
	{Name: "success", Match: successFalse},
	{Name: "error", Match: errorField},
}

func lookup(b ParsedBody, path string) (any, bool) {
	if b.Kind != BodyJSON {
		return nil, false
	}
	v, err := jsonpath.Get(path, b.JSON)
	if err != nil {
		return nil, false
	}
	return v, true
}

func nonZeroCode(b ParsedBody) (string, bool) {
	v, ok := lookup(b, "$.code")
	if !ok {
		return "", false
	}

	var code float64
	switch c := v.(type) {
	case float64:
		code = c
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(c), 64)
		if err != nil {
			return "", false
		}
		code = n
	default:
		return "", false
	}
	if code == 0 {
		return "", false
	}

	detail := fmt.Sprintf("code=%v", v)
	if msg, ok := lookup(b, "$.message"); ok {
		detail += fmt.Sprintf(" message=%v", msg)
	}
	return detail, true
}

func successFalse(b ParsedBody) (string, bool) {
	v, ok := lookup(b, "$.success")
	if !ok {
		return "", false
	}
	if s, isBool := v.(bool); isBool && !s {
		return "success=false", true
	}
	return "", false
}

func errorField(b ParsedBody) (string, bool) {
	v, ok := lookup(b, "$.error")
	if !ok || v == nil {
		return "", false
	}
	switch e := v.(type) {
	case bool:
		if !e {
			return "", false
		}
	case string:
		if strings.TrimSpace(e) == "" {
			return "", false
		}
	case map[string]any:
		if len(e) == 0 {
			return "", false
		}
	case []any:
		if len(e) == 0 {
			return "", false
		}
	}
	return fmt.Sprintf("error=%v", v), true
}

// ClassifyStatus applies the status-code rules
func ClassifyStatus(status int) (models.Classification, models.Severity) {
	switch {
	case status >= 500:
		return models.ClassServerError, models.SeverityCritical
	case status >= 400:
		return models.ClassClientError, models.SeverityWarning
	}
	return models.ClassNone, models.SeverityNone
}

// Classify assigns an error class to a finished response. Status rules take
// precedence; body rules only run for 2xx responses with a JSON body.
func Classify(status int, body ParsedBody, rules []BodyRule) (models.Classification, models.Severity, string) {
	if class, sev := ClassifyStatus(status); class != models.ClassNone {
		return class, sev, fmt.Sprintf("HTTP %d", status)
	}

	if status < 200 || status >= 300 || body.Kind != BodyJSON {
		return models.ClassNone, models.SeverityNone, ""
	}

	class, sev, detail := models.ClassNone, models.SeverityNone, ""
	for _, rule := range rules {
		if d, ok := rule.Match(body); ok {
			class, sev, detail = models.ClassAPIError, models.SeverityWarning, d
		}
	}
	return class, sev, detail
}
