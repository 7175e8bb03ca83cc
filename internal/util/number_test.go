package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNumber(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{name: "thousand with space", input: "1 000", want: "1000"},
		{name: "decimal comma", input: "1,5", want: "1.5"},
		{name: "decimal dot", input: "1.5", want: "1.5"},
		{name: "norwegian full", input: "1.234,50", want: "1234.5"},
		{name: "nbsp thousands", input: "12 345,75", want: "12345.75"},
		{name: "english full", input: "1,234.50", want: "1234.5"},
		{name: "many dots", input: "1.234.567", want: "1234567"},
		{name: "negative", input: "-42,25", want: "-42.25"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseNumber(tc.input)
			require.True(t, ok)
			assert.Equal(t, tc.want, got.String())
		})
	}
}

func TestParseNumberRejectsText(t *testing.T) {
	for _, input := range []string{"", "abc", "12a", "1,2,3"} {
		_, ok := ParseNumber(input)
		assert.False(t, ok, input)
	}
}
