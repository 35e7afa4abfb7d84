package testutils

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mcuadros/go-defaults"
	"github.com/srg/bleplex/internal/device"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// Presence in an expected document matches any actual value, as long as the key exists.
const Presence = "<<PRESENCE>>"

// MustJSON marshals v or panics.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

type JSONAssertOptions struct {
	// IgnoreExtraKeys drops object keys the expected document does not mention.
	IgnoreExtraKeys bool `default:"true"`
	// NilToEmptyArray treats null and [] as equal.
	NilToEmptyArray bool `default:"true"`
	// AllowPresence enables the Presence placeholder.
	AllowPresence    bool `default:"true"`
	IgnoreArrayOrder bool
	// IgnoredFields are removed at every depth on both sides.
	IgnoredFields []string
}

type JSONOption func(*JSONAssertOptions)

func WithIgnoreExtraKeys(v bool) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = v }
}

func WithNilToEmptyArray(v bool) JSONOption {
	return func(o *JSONAssertOptions) { o.NilToEmptyArray = v }
}

func WithAllowPresence(v bool) JSONOption {
	return func(o *JSONAssertOptions) { o.AllowPresence = v }
}

func WithIgnoreArrayOrder(v bool) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoreArrayOrder = v }
}

func WithIgnoredFields(fields ...string) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoredFields = fields }
}

// JSONAsserter compares JSON documents structurally and reports an ASCII diff.
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

func NewJSONAsserter(t TestingT) *JSONAsserter {
	ja := &JSONAsserter{t: t}
	defaults.SetDefaults(&ja.options)
	return ja
}

func (ja *JSONAsserter) WithOptions(opts ...JSONOption) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

func (ja *JSONAsserter) Options() JSONAssertOptions { return ja.options }

// Assert fails the test when actual does not match expected.
func (ja *JSONAsserter) Assert(actual, expected string) bool {
	if h, ok := ja.t.(interface{ Helper() }); ok {
		h.Helper()
	}
	if d := ja.Diff(actual, expected); d != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", d)
		return false
	}
	return true
}

// AssertDevice compares the JSON form of a discovered device, see DeviceJSON.
func (ja *JSONAsserter) AssertDevice(d device.DeviceInfo, expected string) bool {
	return ja.Assert(DeviceJSON(d), expected)
}

// Diff returns "" when the documents match, otherwise a readable diff.
func (ja *JSONAsserter) Diff(actual, expected string) string {
	var exp, act any
	if err := json.Unmarshal([]byte(expected), &exp); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actual), &act); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff compares objects only.
	_, expArr := exp.([]any)
	_, actArr := act.([]any)
	if expArr || actArr {
		exp = map[string]any{"array": exp}
		act = map[string]any{"array": act}
	}

	o := ja.options
	if o.AllowPresence {
		fillPresence(exp, act)
	}
	if o.NilToEmptyArray {
		exp, act = emptyNils(exp, act)
	}
	// Ignored fields go before sorting so they do not influence element order.
	for _, f := range o.IgnoredFields {
		dropKey(exp, f)
		dropKey(act, f)
	}
	if o.IgnoreArrayOrder {
		sortArrays(exp)
		sortArrays(act)
	}
	if o.IgnoreExtraKeys {
		pruneExtra(act, exp)
	}

	expBytes, _ := json.Marshal(exp)
	actBytes, _ := json.Marshal(act)
	diff, err := gojsondiff.New().Compare(expBytes, actBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !diff.Modified() {
		return ""
	}
	out, _ := formatter.NewAsciiFormatter(exp, formatter.AsciiFormatterConfig{ShowArrayIndex: true}).Format(diff)
	return out
}

// walk2 visits matching positions of two decoded documents.
func walk2(exp, act any, visit func(exp, act map[string]any, key string)) {
	switch e := exp.(type) {
	case map[string]any:
		a, ok := act.(map[string]any)
		if !ok {
			return
		}
		for k := range e {
			visit(e, a, k)
			walk2(e[k], a[k], visit)
		}
	case []any:
		a, ok := act.([]any)
		if !ok {
			return
		}
		for i := range e {
			if i < len(a) {
				walk2(e[i], a[i], visit)
			}
		}
	}
}

func fillPresence(exp, act any) {
	walk2(exp, act, func(e, a map[string]any, k string) {
		if s, ok := e[k].(string); ok && s == Presence {
			if v, present := a[k]; present {
				e[k] = v
			}
		}
	})
}

func isEmptyArray(v any) bool {
	arr, ok := v.([]any)
	return ok && len(arr) == 0
}

func emptyNils(exp, act any) (any, any) {
	fix := func(e, a any) (any, any) {
		if (e == nil && (a == nil || isEmptyArray(a))) || (a == nil && isEmptyArray(e)) {
			return []any{}, []any{}
		}
		return e, a
	}
	walk2(exp, act, func(e, a map[string]any, k string) {
		if _, present := a[k]; present || e[k] == nil {
			e[k], a[k] = fix(e[k], a[k])
		}
	})
	return exp, act
}

func dropKey(v any, key string) {
	switch t := v.(type) {
	case map[string]any:
		delete(t, key)
		for _, child := range t {
			dropKey(child, key)
		}
	case []any:
		for _, child := range t {
			dropKey(child, key)
		}
	}
}

func pruneExtra(act, exp any) {
	switch e := exp.(type) {
	case map[string]any:
		a, ok := act.(map[string]any)
		if !ok {
			return
		}
		for k := range a {
			if _, keep := e[k]; !keep {
				delete(a, k)
			}
		}
		for k := range e {
			pruneExtra(a[k], e[k])
		}
	case []any:
		a, ok := act.([]any)
		if !ok {
			return
		}
		for i := range e {
			if i < len(a) {
				pruneExtra(a[i], e[i])
			}
		}
	}
}

func sortArrays(v any) {
	switch t := v.(type) {
	case map[string]any:
		for _, child := range t {
			sortArrays(child)
		}
	case []any:
		for _, child := range t {
			sortArrays(child)
		}
		sort.SliceStable(t, func(i, j int) bool {
			return MustJSON(t[i]) < MustJSON(t[j])
		})
	}
}
