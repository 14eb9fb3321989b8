package exchange

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/dusk-indust/consensus/internal/chat"
	"github.com/dusk-indust/consensus/internal/invoker"
	"github.com/dusk-indust/consensus/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeuristicTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"How do I sort a map in Go? Thanks in advance", "How do I sort a map in Go?"},
		{"Explain goroutines. Keep it short.", "Explain goroutines"},
		{"  spaced \n  out  ", "spaced out"},
		{"", chat.DefaultTitle},
		{"...", chat.DefaultTitle},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, HeuristicTitle(tt.in))
		})
	}
}

func TestHeuristicTitle_Long(t *testing.T) {
	got := HeuristicTitle(strings.Repeat("word ", 40))
	assert.LessOrEqual(t, utf8.RuneCountInString(got), MaxTitleLen)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.NotContains(t, got, "  ")
}

func TestCleanTitle(t *testing.T) {
	assert.Equal(t, "Sorting Maps in Go", cleanTitle("\n  \"Sorting Maps in Go.\"\nextra"))
	assert.Equal(t, "Channel Basics", cleanTitle("Title: Channel Basics"))
	assert.Equal(t, "", cleanTitle("  \n "))
}

func TestTitleGenerator(t *testing.T) {
	s := invoker.NewScript(map[string]invoker.Reply{
		"titler": {Fragments: []string{"\"Go ", "Maps\""}},
		"broken": {Err: errors.New("down")},
		"blank":  {Fragments: []string{"  "}},
	})
	ctx := context.Background()
	msg := "How do I sort a map? Please help"

	g := NewTitleGenerator(s, "titler", 0, observability.Discard())
	assert.Equal(t, "Go Maps", g.Generate(ctx, msg, "Use slices.Sort on the keys."))

	calls := s.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, titleInstruction, calls[0].System)
	assert.Contains(t, calls[0].Prompt, msg)
	assert.Contains(t, calls[0].Prompt, "slices.Sort")

	assert.Equal(t, "How do I sort a map?", NewTitleGenerator(s, "broken", 0, observability.Discard()).Generate(ctx, msg, ""))
	assert.Equal(t, "How do I sort a map?", NewTitleGenerator(s, "blank", 0, observability.Discard()).Generate(ctx, msg, ""))
	assert.Equal(t, "How do I sort a map?", NewTitleGenerator(nil, "", 0, nil).Generate(ctx, msg, ""))
}
