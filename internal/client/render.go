package client

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pterm/pterm"

	"github.com/energizer-project/ticktalk/internal/protocol"
)

const (
	// HistorySize is how many lines the renderer keeps.
	HistorySize = 100

	nameColumn = 10
)

var (
	systemStyle = pterm.NewStyle(pterm.FgRed, pterm.BgDarkGray, pterm.Bold)
	serverStyle = pterm.NewStyle(pterm.FgBlue, pterm.BgDarkGray, pterm.Bold)
	textStyle   = pterm.NewStyle(pterm.FgWhite)
)

// Renderer prints chat events as coloured lines and keeps a short history.
type Renderer struct {
	out io.Writer
	ids protocol.IDSpace

	// EchoOutgoing prints this client's own lines as they are sent. The
	// server relays them back to the sender as well, so it is off by default.
	EchoOutgoing bool

	mu      sync.Mutex
	history []Event
}

// NewRenderer creates a renderer writing to out.
func NewRenderer(out io.Writer) *Renderer {
	return &Renderer{
		out:     out,
		ids:     protocol.DefaultIDSpace(),
		history: make([]Event, 0, HistorySize),
	}
}

// Run prints events until the stream closes or ctx is cancelled.
func (r *Renderer) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == KindOutgoing && !r.EchoOutgoing {
				continue
			}
			r.Render(ev)
		}
	}
}

// Render prints one event and records it in the history.
func (r *Renderer) Render(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.history) == HistorySize {
		copy(r.history, r.history[1:])
		r.history = r.history[:HistorySize-1]
	}
	r.history = append(r.history, ev)

	fmt.Fprintln(r.out, r.Format(ev))
}

// History returns the retained events, oldest first.
func (r *Renderer) History() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.history...)
}

// Format renders the "<name>: <text>" line for ev, padding short names to
// a fixed column.
func (r *Renderer) Format(ev Event) string {
	pad := ""
	if n := len(ev.Username); n < nameColumn {
		pad = strings.Repeat(" ", nameColumn-n)
	}
	return r.nameSprint(ev.UserID, ev.Username) + textStyle.Sprint(":"+pad) + textStyle.Sprint(ev.Text)
}

func (r *Renderer) nameSprint(id uint32, name string) string {
	switch r.ids.Kind(id) {
	case protocol.KindSystem:
		return systemStyle.Sprint(name)
	case protocol.KindServer:
		return serverStyle.Sprint(name)
	default:
		return NameColor(id).Sprint(name)
	}
}

// NameColor derives a stable colour from a client id.
func NameColor(id uint32) pterm.RGB {
	v := id >> 4
	r, g, b := uint8(v>>16), uint8(v>>8), uint8(v)
	return pterm.NewRGB(r, b, g)
}
