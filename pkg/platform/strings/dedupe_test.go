package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeAndTrim(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{name: "nil slice", input: nil, expected: nil},
		{name: "empty slice", input: []string{}, expected: []string{}},
		{
			name:     "broker list from env",
			input:    []string{" broker-1:9092", "broker-2:9092 ", "", "broker-1:9092"},
			expected: []string{"broker-1:9092", "broker-2:9092"},
		},
		{
			name:     "only separators",
			input:    []string{"", "  "},
			expected: []string{},
		},
		{
			name:     "preserves case",
			input:    []string{"Mon", "mon"},
			expected: []string{"Mon", "mon"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DedupeAndTrim(tt.input))
		})
	}
}

func TestDedupeAndTrimLower(t *testing.T) {
	assert.Nil(t, DedupeAndTrimLower(nil))
	assert.Equal(t, []string{"mon", "tuesday"}, DedupeAndTrimLower([]string{" Mon", "MON", "Tuesday", ""}))
}
