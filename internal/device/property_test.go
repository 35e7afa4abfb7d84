package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropertyString(t *testing.T) {
	assert.Equal(t, "read,notify", (PropRead | PropNotify).String())
	assert.Equal(t, "", Property(0).String())
	assert.Equal(t, "write-without-response,write", (PropWrite | PropWriteWithoutResponse).String())
}

func TestParseProperties(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Property
		wantErr  bool
	}{
		{name: "single", input: "read", expected: PropRead},
		{name: "multiple with spaces", input: "read, notify ,indicate", expected: PropRead | PropNotify | PropIndicate},
		{name: "alias", input: "wnr,write", expected: PropWriteWithoutResponse | PropWrite},
		{name: "upper case", input: "READ", expected: PropRead},
		{name: "empty", input: "", expected: 0},
		{name: "unknown", input: "read,fly", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseProperties(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestPropertyPredicates(t *testing.T) {
	p := PropRead | PropIndicate
	assert.True(t, p.Has(PropRead))
	assert.False(t, p.Has(PropRead|PropWrite))
	assert.True(t, p.CanNotify())
	assert.False(t, PropWrite.CanNotify())
}
