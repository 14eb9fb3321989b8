package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dusk-indust/consensus/internal/chat"
	"github.com/dusk-indust/consensus/internal/orchestrator"
	"github.com/dusk-indust/consensus/internal/wire"
)

type styles struct {
	title   lipgloss.Style
	model   lipgloss.Style
	ok      lipgloss.Style
	failed  lipgloss.Style
	dim     lipgloss.Style
	content lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	primary := lipgloss.Color("#00ff9f")
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(primary),
		model:   r.NewStyle().Bold(true).Foreground(primary),
		ok:      r.NewStyle().Foreground(primary),
		failed:  r.NewStyle().Foreground(lipgloss.Color("#ff5f5f")),
		dim:     r.NewStyle().Foreground(lipgloss.Color("#6e7681")),
		content: r.NewStyle().PaddingLeft(2),
	}
}

// renderer prints exchange events to a terminal. A single model's text is
// streamed as it arrives; in consensus mode a status line is printed as each
// model finishes and every answer is printed at the end.
type renderer struct {
	out       io.Writer
	st        styles
	consensus bool
	slots     []chat.ModelSlot
	// wrote is set once single-model text reached out; open while the
	// current line still needs its newline.
	wrote bool
	open  bool

	conversationID string
	failed         error
}

func newRenderer(out io.Writer, consensus bool) *renderer {
	return &renderer{
		out:       out,
		st:        newStyles(lipgloss.NewRenderer(out)),
		consensus: consensus,
	}
}

func (r *renderer) slot(ev wire.Event) *chat.ModelSlot {
	for len(r.slots) <= ev.ModelIndex {
		r.slots = append(r.slots, chat.ModelSlot{Status: chat.StatusPending})
	}
	s := &r.slots[ev.ModelIndex]
	if ev.Model != "" {
		s.Model = ev.Model
	}
	return s
}

// Handle renders one event. Unknown types are ignored.
func (r *renderer) Handle(ev wire.Event) {
	if ev.ConversationID != "" {
		r.conversationID = ev.ConversationID
	}
	switch ev.Type {
	case wire.TypeUpdate:
		s := r.slot(ev)
		s.Status = chat.StatusStreaming
		s.Content += ev.Delta
		if !r.consensus {
			fmt.Fprint(r.out, ev.Delta)
			r.wrote = true
			r.open = true
		}

	case wire.TypeModelComplete:
		s := r.slot(ev)
		s.Status = chat.StatusComplete
		s.Elapsed = time.Duration(ev.ResponseTime) * time.Millisecond
		if r.consensus {
			fmt.Fprintln(r.out, r.st.ok.Render(orchestrator.FormatSlot(*s)))
		}

	case wire.TypeModelError:
		s := r.slot(ev)
		s.Status = chat.StatusFailed
		s.Err = &chat.Error{Kind: chat.ParseKind(ev.ErrorKind), Err: errors.New(ev.Error)}
		if r.consensus {
			fmt.Fprintln(r.out, r.st.failed.Render(orchestrator.FormatSlot(*s)))
		}

	case wire.TypeTitleUpdate:
		r.showTitle(ev.Title)

	case wire.TypeFinal:
		r.final(ev)

	case wire.TypeError:
		r.failed = &chat.Error{Kind: chat.ParseKind(ev.ErrorKind), Err: errors.New(ev.Error)}
		r.endLine()
		fmt.Fprintln(r.out, r.st.failed.Render("✗ "+ev.Error))
	}
}

func (r *renderer) final(ev wire.Event) {
	if !r.consensus {
		if !r.wrote && ev.Content != "" {
			fmt.Fprint(r.out, ev.Content)
			r.wrote = true
			r.open = true
		}
		r.endLine()
	} else {
		fmt.Fprintln(r.out)
		for _, resp := range ev.Responses {
			fmt.Fprintln(r.out, r.st.model.Render(resp.Model))
			switch {
			case resp.Content != "":
				fmt.Fprintln(r.out, r.st.content.Render(resp.Content))
			case resp.Error != "":
				fmt.Fprintln(r.out, r.st.failed.Render("  "+resp.Error))
			}
		}
	}
	if ev.Notice != "" {
		fmt.Fprintln(r.out, r.st.failed.Render("! "+ev.Notice))
	}
}

func (r *renderer) showTitle(title string) {
	r.endLine()
	fmt.Fprintln(r.out, r.st.dim.Render("title: ")+r.st.title.Render(title))
}

func (r *renderer) endLine() {
	if r.open {
		fmt.Fprintln(r.out)
		r.open = false
	}
}

// Summary prints the conversation id so the next ask can continue it.
func (r *renderer) Summary() {
	if r.conversationID == "" {
		return
	}
	fmt.Fprintln(r.out, r.st.dim.Render(orchestrator.FormatSummary(r.conversationID, r.slots)))
}

// Err is the exchange-level failure reported by an error event, if any.
func (r *renderer) Err() error { return r.failed }
