package exchange

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/dusk-indust/consensus/internal/chat"
	"github.com/dusk-indust/consensus/internal/invoker"
)

// MaxTitleLen bounds generated titles, in runes.
const MaxTitleLen = 60

const titleInstruction = "You write short titles for chat conversations. " +
	"Reply with the title only: at most six words, no quotes, no trailing punctuation."

// TitleGenerator names a conversation after its first exchange.
type TitleGenerator struct {
	invoker invoker.Invoker
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewTitleGenerator returns a generator that asks model through inv. With a
// nil inv or an empty model it only uses HeuristicTitle.
func NewTitleGenerator(inv invoker.Invoker, model string, timeout time.Duration, logger *slog.Logger) *TitleGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &TitleGenerator{invoker: inv, model: model, timeout: timeout, logger: logger}
}

// Generate returns a title for a conversation that opened with userMessage
// and got response. When the model fails or answers with nothing usable,
// the title is derived from userMessage.
func (g *TitleGenerator) Generate(ctx context.Context, userMessage, response string) string {
	if g.invoker == nil || g.model == "" {
		return HeuristicTitle(userMessage)
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	prompt := "User message:\n" + userMessage
	if response != "" {
		prompt += "\n\nAssistant response:\n" + truncateRunes(response, 2000)
	}
	text, err := invoker.Collect(ctx, g.invoker, invoker.Call{
		Model:  g.model,
		System: titleInstruction,
		Prompt: prompt,
	})
	if err != nil {
		g.logger.WarnContext(ctx, "title model failed, using heuristic",
			"model", g.model,
			"error_kind", chat.KindOf(err).String(),
			"error", err,
		)
		return HeuristicTitle(userMessage)
	}
	if t := cleanTitle(text); t != "" {
		return t
	}
	return HeuristicTitle(userMessage)
}

// HeuristicTitle derives a title from the first sentence of a message.
func HeuristicTitle(message string) string {
	text := strings.Join(strings.Fields(message), " ")
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '.' && c != '?' && c != '!' {
			continue
		}
		// A sentence ends at punctuation followed by a space or the end.
		if i+1 < len(text) && text[i+1] != ' ' {
			continue
		}
		if c == '.' {
			text = text[:i]
		} else {
			text = text[:i+1]
		}
		break
	}
	text = shorten(strings.TrimRight(text, ". "))
	if text == "" {
		return chat.DefaultTitle
	}
	return text
}

// cleanTitle normalizes a model answer into a title.
func cleanTitle(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) >= 6 && strings.EqualFold(line[:6], "title:") {
			line = strings.TrimSpace(line[6:])
		}
		line = strings.Trim(line, "\"'`*“”‘’ ")
		line = strings.TrimRightFunc(line, func(r rune) bool { return r == '.' || unicode.IsSpace(r) })
		return shorten(line)
	}
	return ""
}

// shorten cuts s to MaxTitleLen runes at a word boundary when it can.
func shorten(s string) string {
	if utf8.RuneCountInString(s) <= MaxTitleLen {
		return s
	}
	cut := []rune(s)[:MaxTitleLen-3]
	if i := strings.LastIndexByte(string(cut), ' '); i > MaxTitleLen/3 {
		return strings.TrimSpace(string(cut)[:i]) + "..."
	}
	return strings.TrimSpace(string(cut)) + "..."
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
