package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeListName(t *testing.T) {
	tests := []struct {
		in       string
		expected string
		ok       bool
	}{
		{"", DefaultList, true},
		{"  ", DefaultList, true},
		{"Staff", "staff", true},
		{"eng-team.2026", "eng-team.2026", true},
		{"../etc/passwd", "../etc/passwd", false},
		{"has space", "has space", false},
		{"-leading", "-leading", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			name, ok := NormalizeListName(tt.in)
			assert.Equal(t, tt.expected, name)
			assert.Equal(t, tt.ok, ok)
		})
	}
}
