// Package contract defines the structured output contracts the oracle must satisfy and
// the strict validation that gates every oracle response before it is used.
package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/MediBot/internal/models"
)

// Version is the wire version of the Decision and Chat contracts. Additive fields and
// enum growth keep the version; removals or type changes bump it.
const Version = "v1"

// ErrInvalidModelOutput is returned when the oracle text is not JSON or does not match a contract.
var ErrInvalidModelOutput = errors.New("invalid model output")

// ValidationError describes the first contract violation found in an oracle response.
type ValidationError struct {
	Contract string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s contract: %s", ErrInvalidModelOutput, e.Contract, e.Reason)
	}
	return fmt.Sprintf("%s: %s contract: field %q %s", ErrInvalidModelOutput, e.Contract, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidModelOutput }

type kind int

const (
	kindBool kind = iota
	kindString
	kindNumber
	kindStringArray
	kindEnumArray
)

type field struct {
	name     string
	kind     kind
	enum     []string
	optional bool
	min      *float64
}

// Contract is a named, versioned JSON object shape.
type Contract struct {
	Name        string
	Description string
	Version     string
	fields      []field
}

var zero = 0.0

func comBValues() []string {
	out := make([]string, 0, len(models.AllComBTags))
	for _, t := range models.AllComBTags {
		out = append(out, string(t))
	}
	return out
}

func safetyValues() []string {
	out := make([]string, 0, len(models.AllSafetyFlags))
	for _, f := range models.AllSafetyFlags {
		out = append(out, string(f))
	}
	return out
}

// Decision is the contract for the scheduled-outreach path.
var Decision = Contract{
	Name:        "Decision",
	Description: "Whether to send a proactive adherence message now, what to send, and why.",
	Version:     Version,
	fields: []field{
		{name: "send", kind: kindBool},
		{name: "short_notification", kind: kindString},
		{name: "long_message", kind: kindString},
		{name: "com_b_tags", kind: kindEnumArray, enum: comBValues()},
		{name: "safety_flags", kind: kindEnumArray, enum: safetyValues()},
		{name: "follow_up_in_hours", kind: kindNumber, min: &zero},
		{name: "reason_codes", kind: kindStringArray},
		{name: "suggested_buttons", kind: kindStringArray},
		{name: "ask", kind: kindStringArray},
		{name: "log_notes", kind: kindString},
	},
}

// Chat is the contract for the reactive reply path. suggested_buttons and ask may be
// omitted by the oracle and default to empty.
var Chat = Contract{
	Name:        "Chat",
	Description: "A short in-scope reply to the user's message.",
	Version:     Version,
	fields: []field{
		{name: "message", kind: kindString},
		{name: "com_b_tags", kind: kindEnumArray, enum: comBValues()},
		{name: "safety_flags", kind: kindEnumArray, enum: safetyValues()},
		{name: "suggested_buttons", kind: kindStringArray, optional: true},
		{name: "ask", kind: kindStringArray, optional: true},
		{name: "log_notes", kind: kindString},
	},
}

// SchemaName is the name sent with the schema reference, e.g. "Decision_v1".
func (c Contract) SchemaName() string {
	return c.Name + "_" + c.Version
}

// Fields returns the contract's field names in declaration order.
func (c Contract) Fields() []string {
	names := make([]string, len(c.fields))
	for i, f := range c.fields {
		names[i] = f.name
	}
	return names
}

// Schema renders the contract as a strict JSON schema. Strict mode requires every
// property to be listed as required, so optional fields are still requested.
func (c Contract) Schema() map[string]any {
	props := make(map[string]any, len(c.fields))
	required := make([]string, 0, len(c.fields))
	for _, f := range c.fields {
		props[f.name] = f.schema()
		required = append(required, f.name)
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

func (f field) schema() map[string]any {
	switch f.kind {
	case kindBool:
		return map[string]any{"type": "boolean"}
	case kindString:
		return map[string]any{"type": "string"}
	case kindNumber:
		return map[string]any{"type": "number"}
	case kindEnumArray:
		return map[string]any{"type": "array", "items": map[string]any{"type": "string", "enum": f.enum}}
	default:
		return map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	}
}

// Validate checks raw against the contract. Unknown fields are ignored; any missing
// required field, wrong type or out-of-enum value rejects the whole payload.
func (c Contract) Validate(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return &ValidationError{Contract: c.Name, Reason: "empty payload"}
	}
	if !gjson.Valid(raw) {
		return &ValidationError{Contract: c.Name, Reason: "payload is not valid JSON"}
	}
	root := gjson.Parse(raw)
	if !root.IsObject() {
		return &ValidationError{Contract: c.Name, Reason: "payload is not a JSON object"}
	}
	if err := c.checkKeys(root); err != nil {
		return err
	}
	for _, f := range c.fields {
		v := root.Get(gjsonKey(f.name))
		if !v.Exists() || v.Type == gjson.Null {
			if f.optional {
				continue
			}
			return &ValidationError{Contract: c.Name, Field: f.name, Reason: "is missing"}
		}
		if reason := f.check(v); reason != "" {
			return &ValidationError{Contract: c.Name, Field: f.name, Reason: reason}
		}
	}
	return nil
}

// checkKeys rejects top-level keys that json.Unmarshal would resolve differently from
// gjson: repeated keys (the decoder keeps the last, gjson reads the first) and case
// variants of a contract field (the decoder matches field names case-insensitively).
func (c Contract) checkKeys(root gjson.Result) error {
	seen := make(map[string]bool)
	var verr *ValidationError
	root.ForEach(func(key, _ gjson.Result) bool {
		name := key.String()
		if seen[name] {
			verr = &ValidationError{Contract: c.Name, Field: name, Reason: "appears more than once"}
			return false
		}
		seen[name] = true
		for _, f := range c.fields {
			if name != f.name && strings.EqualFold(name, f.name) {
				verr = &ValidationError{Contract: c.Name, Field: name, Reason: fmt.Sprintf("differs from %q only by case", f.name)}
				return false
			}
		}
		return true
	})
	if verr != nil {
		return verr
	}
	return nil
}

func (f field) check(v gjson.Result) string {
	switch f.kind {
	case kindBool:
		if !v.IsBool() {
			return "must be a boolean"
		}
	case kindString:
		if v.Type != gjson.String {
			return "must be a string"
		}
	case kindNumber:
		if v.Type != gjson.Number {
			return "must be a number"
		}
		if f.min != nil && v.Num < *f.min {
			return fmt.Sprintf("must be >= %g", *f.min)
		}
	case kindStringArray, kindEnumArray:
		if !v.IsArray() {
			return "must be an array"
		}
		for i, item := range v.Array() {
			if item.Type != gjson.String {
				return fmt.Sprintf("item %d must be a string", i)
			}
			if f.kind == kindEnumArray && !contains(f.enum, item.Str) {
				return fmt.Sprintf("item %d has unknown value %q", i, item.Str)
			}
		}
	}
	return ""
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// gjsonKey escapes the path characters gjson treats specially.
func gjsonKey(name string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)
	return r.Replace(name)
}

// ParseDecision validates raw against the Decision contract and decodes it.
func ParseDecision(raw string) (models.Decision, error) {
	var d models.Decision
	if err := Decision.Validate(raw); err != nil {
		return d, err
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &d); err != nil {
		return models.Decision{}, &ValidationError{Contract: Decision.Name, Reason: err.Error()}
	}
	d.ReasonCodes = nonNil(d.ReasonCodes)
	d.SuggestedButtons = nonNil(d.SuggestedButtons)
	d.Ask = nonNil(d.Ask)
	return d, nil
}

// ParseChat validates raw against the Chat contract and decodes it.
func ParseChat(raw string) (models.Chat, error) {
	var c models.Chat
	if err := Chat.Validate(raw); err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &c); err != nil {
		return models.Chat{}, &ValidationError{Contract: Chat.Name, Reason: err.Error()}
	}
	c.SuggestedButtons = nonNil(c.SuggestedButtons)
	c.Ask = nonNil(c.Ask)
	return c, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
