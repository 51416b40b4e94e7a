package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		typ     string
		payload string
	}{
		{"start", "start_game", ""},
		{"answer 2", "answer", `{"choice":2}`},
		{"guess 55", "guess", `{"value":55}`},
		{"clue hot coffee", "clue", `{"clue":"hot coffee"}`},
		{"letter r", "letter", `{"letter":"r"}`},
		{"solve big apple", "solve", `{"guess":"big apple"}`},
		{"spin", "spin", ""},
		{`custom {"x":1}`, "custom", `{"x":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			req, err := parseCommand(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, req.Type)
			if tt.payload == "" {
				assert.Empty(t, req.Payload)
			} else {
				assert.JSONEq(t, tt.payload, string(req.Payload))
			}
		})
	}

	_, err := parseCommand("guess lots")
	assert.Error(t, err)
	_, err = parseCommand("custom {broken")
	assert.Error(t, err)
}
