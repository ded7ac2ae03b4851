package util

import (
	"reflect"
	"testing"
)

func TestSplitCSV(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: nil,
		},
		{
			name:     "single value",
			input:    "orders",
			expected: []string{"orders"},
		},
		{
			name:     "multiple values",
			input:    "orders,offices,employees",
			expected: []string{"orders", "offices", "employees"},
		},
		{
			name:     "with whitespace",
			input:    " orders , offices , employees ",
			expected: []string{"orders", "offices", "employees"},
		},
		{
			name:     "trailing comma",
			input:    "orders,offices,",
			expected: []string{"orders", "offices"},
		},
		{
			name:     "leading comma",
			input:    ",orders,offices",
			expected: []string{"orders", "offices"},
		},
		{
			name:     "multiple commas",
			input:    "orders,,offices",
			expected: []string{"orders", "offices"},
		},
		{
			name:     "only commas",
			input:    ",,,",
			expected: nil,
		},
		{
			name:     "only whitespace",
			input:    "   ",
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SplitCSV(tt.input)
			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("SplitCSV(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestClampInt(t *testing.T) {
	tests := []struct {
		name     string
		v        int
		lo       int
		hi       int
		expected int
	}{
		{"within range", 5, 1, 10, 5},
		{"below floor", 0, 1, 10, 1},
		{"above ceiling", 15, 1, 10, 10},
		{"at floor", 1, 1, 10, 1},
		{"at ceiling", 10, 1, 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClampInt(tt.v, tt.lo, tt.hi); got != tt.expected {
				t.Errorf("ClampInt(%d, %d, %d) = %d, want %d", tt.v, tt.lo, tt.hi, got, tt.expected)
			}
		})
	}
}

func TestRound2(t *testing.T) {
	tests := []struct {
		name     string
		input    float64
		expected float64
	}{
		{"no fraction", 4.0, 4.0},
		{"two places", 4.12, 4.12},
		{"half rounds up", 4.005, 4.01}, // nearest float64 to 4.005 is slightly above it
		{"rounds down", 15.384, 15.38},
		{"rounds up", 15.386, 15.39},
		{"zero", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Round2(tt.input); got != tt.expected {
				t.Errorf("Round2(%v) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}
