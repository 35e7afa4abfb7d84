package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONAsserterDefaults(t *testing.T) {
	o := NewJSONAsserter(t).Options()
	assert.True(t, o.IgnoreExtraKeys)
	assert.True(t, o.NilToEmptyArray)
	assert.True(t, o.AllowPresence)
	assert.False(t, o.IgnoreArrayOrder)
	assert.Empty(t, o.IgnoredFields)

	o = NewJSONAsserter(t).WithOptions(WithIgnoreExtraKeys(false), WithIgnoredFields("ts")).Options()
	assert.False(t, o.IgnoreExtraKeys)
	assert.True(t, o.NilToEmptyArray)
	assert.Equal(t, []string{"ts"}, o.IgnoredFields)
}

func TestJSONAsserterDiff(t *testing.T) {
	tests := []struct {
		name     string
		opts     []JSONOption
		actual   string
		expected string
		match    bool
	}{
		{
			name:     "equal",
			actual:   `{"a":1,"b":"x"}`,
			expected: `{"b":"x","a":1}`,
			match:    true,
		},
		{
			name:     "different value",
			actual:   `{"a":1}`,
			expected: `{"a":2}`,
		},
		{
			name:     "extra keys ignored",
			actual:   `{"a":1,"extra":true,"nested":{"b":2,"c":3}}`,
			expected: `{"a":1,"nested":{"b":2}}`,
			match:    true,
		},
		{
			name:     "extra keys reported",
			opts:     []JSONOption{WithIgnoreExtraKeys(false)},
			actual:   `{"a":1,"extra":true}`,
			expected: `{"a":1}`,
		},
		{
			name:     "presence placeholder",
			actual:   `{"id":"8f1c","name":"x"}`,
			expected: `{"id":"<<PRESENCE>>","name":"x"}`,
			match:    true,
		},
		{
			name:     "presence needs the key",
			actual:   `{"name":"x"}`,
			expected: `{"id":"<<PRESENCE>>","name":"x"}`,
		},
		{
			name:     "presence disabled",
			opts:     []JSONOption{WithAllowPresence(false)},
			actual:   `{"id":"8f1c"}`,
			expected: `{"id":"<<PRESENCE>>"}`,
		},
		{
			name:     "null equals empty array",
			actual:   `{"services":null}`,
			expected: `{"services":[]}`,
			match:    true,
		},
		{
			name:     "null does not equal non-empty array",
			actual:   `{"services":null}`,
			expected: `{"services":["180f"]}`,
		},
		{
			name:     "null strict",
			opts:     []JSONOption{WithNilToEmptyArray(false)},
			actual:   `{"services":null}`,
			expected: `{"services":[]}`,
		},
		{
			name:     "ignored fields at every depth",
			opts:     []JSONOption{WithIgnoredFields("ts")},
			actual:   `{"ts":1,"events":[{"v":1,"ts":5},{"v":2,"ts":6}]}`,
			expected: `{"ts":9,"events":[{"v":1,"ts":0},{"v":2,"ts":0}]}`,
			match:    true,
		},
		{
			name:     "array order matters by default",
			actual:   `{"a":[1,2,3]}`,
			expected: `{"a":[3,2,1]}`,
		},
		{
			name:     "array order ignored",
			opts:     []JSONOption{WithIgnoreArrayOrder(true)},
			actual:   `[{"v":"b","n":[2,1]},{"v":"a"}]`,
			expected: `[{"v":"a"},{"v":"b","n":[1,2]}]`,
			match:    true,
		},
		{
			name:     "ignored fields do not affect order",
			opts:     []JSONOption{WithIgnoreArrayOrder(true), WithIgnoredFields("count")},
			actual:   `[{"d":"x","count":2},{"d":"x","count":1},{"d":"y","count":0}]`,
			expected: `[{"d":"y","count":9},{"d":"x","count":9},{"d":"x","count":9}]`,
			match:    true,
		},
		{
			name:     "root arrays",
			actual:   `[1,2]`,
			expected: `[1,3]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewJSONAsserter(t).WithOptions(tt.opts...).Diff(tt.actual, tt.expected)
			if tt.match {
				assert.Empty(t, d)
			} else {
				assert.NotEmpty(t, d)
			}
		})
	}
}

type recordingT struct {
	failures []string
}

func (r *recordingT) Errorf(format string, args ...any) {
	r.failures = append(r.failures, format)
}

func TestJSONAsserterAssert(t *testing.T) {
	rec := &recordingT{}
	ja := NewJSONAsserter(rec)

	assert.True(t, ja.Assert(`{"a":1}`, `{"a":1}`))
	assert.Empty(t, rec.failures)

	assert.False(t, ja.Assert(`{"a":1}`, `{"a":2}`))
	assert.Len(t, rec.failures, 1)

	assert.Contains(t, ja.Diff(`{`, `{}`), "invalid actual JSON")
	assert.Contains(t, ja.Diff(`{}`, `nope`), "invalid expected JSON")
}

func TestPeripheralBuilder(t *testing.T) {
	p := NewPeripheralBuilder("AA:BB:CC:DD:EE:01").
		WithName("Sensor").
		WithRSSI(-42).
		WithTxPower(4).
		WithManufacturerData([]byte{0x59, 0x00, 0x01}).
		WithServiceData("180f", []byte{50}).
		WithService("180F").
		WithCharacteristic("2A19", "read,notify", []byte{50}).
		WithDescriptor("2901", []byte("Battery")).
		Build()

	assert.Equal(t, "Sensor", p.Name)
	assert.Equal(t, -42, p.RSSI)
	assert.Equal(t, 4, *p.TxPower)
	assert.Equal(t, []byte{50}, []byte(p.ServiceData["180f"]))
	if assert.Len(t, p.Services, 1) && assert.Len(t, p.Services[0].Characteristics, 1) {
		c := p.Services[0].Characteristics[0]
		assert.Equal(t, "read,notify", c.Properties)
		assert.Equal(t, "2901", c.Descriptors[0].UUID)
	}

	assert.Panics(t, func() { NewPeripheralBuilder("x").WithCharacteristic("2a19", "read", nil) })
}

func TestPeripheralBuilderFromJSON(t *testing.T) {
	p := NewPeripheralBuilder("AA:BB:CC:DD:EE:02").FromJSON(`{
		"name": %q,
		"services": [
			{"uuid": "180d", "characteristics": [{"uuid": "2a37", "properties": "notify", "value": [0, 72]}]}
		]
	}`, "HRM").Build()

	assert.Equal(t, "AA:BB:CC:DD:EE:02", p.Address)
	assert.Equal(t, "HRM", p.Name)
	assert.Equal(t, []byte{0, 72}, []byte(p.Services[0].Characteristics[0].Value))
}
