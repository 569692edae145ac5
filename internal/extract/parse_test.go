package extract

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStrings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want []string
	}{
		{"array", []any{"house", "apartment"}, []string{"house", "apartment"}},
		{"string slice", []string{"lot", " "}, []string{"lot"}},
		{"json array string", `["house","land"]`, []string{"house", "land"}},
		{"json array with numbers", `[1, "office"]`, []string{"1", "office"}},
		{"bare string", "house", []string{"house"}},
		{"broken json stays singleton", `["house"`, []string{`["house"`}},
		{"empty string", "  ", []string{}},
		{"number", float64(3), []string{"3"}},
		{"nil", nil, []string{}},
		{"object", map[string]any{"a": 1}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ParseStrings(tt.in)
			assert.NotNil(t, got)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseString(t *testing.T) {
	t.Parallel()

	s, ok := parseString(json.Number("987"))
	assert.True(t, ok)
	assert.Equal(t, "987", s)

	s, ok = parseString(1.5)
	assert.True(t, ok)
	assert.Equal(t, "1.5", s)

	_, ok = parseString(true)
	assert.False(t, ok)
}
