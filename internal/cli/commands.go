// Package cli implements the operator console for ticktalkd: live client
// tables, broker counters, kicks and server notices typed on stdin.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/ticktalk/internal/events"
	"github.com/energizer-project/ticktalk/internal/server"
)

// Broker is the part of the chat broker the console drives.
type Broker interface {
	Snapshot() *server.Snapshot
	Kick(clientID uint32) error
	Notice(message string) error
}

// LagSource reports long tick statistics.
type LagSource interface {
	Stats(recent int) server.LagStats
	CheckThresholds() []server.LagAlert
}

// errQuit stops the read loop after a quit command.
var errQuit = errors.New("quit")

// CLI provides an interactive command-line interface.
type CLI struct {
	eventBus *events.EventBus
	broker   Broker
	lag      LagSource

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading stdin. lag may be nil.
func NewCLI(eventBus *events.EventBus, broker Broker, lag LagSource) *CLI {
	return &CLI{
		eventBus: eventBus,
		broker:   broker,
		lag:      lag,
		in:       os.Stdin,
		out:      os.Stdout,
	}
}

// Start reads commands until ctx is cancelled, input ends or quit is typed.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nticktalkd console ready. Type 'help' for available commands.")
	fmt.Fprintln(c.out, "─────────────────────────────────────────────────────")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "ticktalk> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				log.Debug().Str("component", "console").Msg("console input closed")
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:])
			if errors.Is(err, errQuit) {
				return
			}
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// execute processes a single console command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		return c.printStatus(args)
	case "stats":
		c.printStats()
	case "lag":
		c.printLag()
	case "kick", "k":
		return c.cmdKick(args)
	case "say", "notice":
		return c.cmdSay(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down ticktalkd...")
		c.eventBus.Emit(ctx, events.Event{
			Type:    events.EventShutdown,
			Source:  "console",
			Payload: events.ShutdownPayload{Reason: "console quit"},
		})
		return errQuit
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(c.out, "║                   ticktalkd console commands                 ║")
	fmt.Fprintln(c.out, "╠══════════════════════════════════════════════════════════════╣")
	fmt.Fprintln(c.out, "║  status [id]        List connections or show one client      ║")
	fmt.Fprintln(c.out, "║  stats              Show broker counters                     ║")
	fmt.Fprintln(c.out, "║  lag                Show long tick statistics                ║")
	fmt.Fprintln(c.out, "║  kick <id>          Disconnect a client                      ║")
	fmt.Fprintln(c.out, "║  say <text>         Send a server notice to everyone         ║")
	fmt.Fprintln(c.out, "║  quit               Shut down ticktalkd                      ║")
	fmt.Fprintln(c.out, "║  help               Show this help message                   ║")
	fmt.Fprintln(c.out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(c.out)
}

// printStatus displays connections in a formatted table.
func (c *CLI) printStatus(args []string) error {
	snap := c.broker.Snapshot()

	if len(args) > 0 {
		id, err := parseIDArg(args)
		if err != nil {
			return err
		}
		info, ok := snap.Client(id)
		if !ok {
			return fmt.Errorf("client %d not found", id)
		}
		c.printClientDetail(info, snap.Taken)
		return nil
	}

	fmt.Fprintln(c.out)
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"ID", "Username", "State", "Transport", "Remote", "Connected", "Skips"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, info := range snap.Clients {
		name := info.Username
		if name == "" {
			name = "-"
		}
		tw.Append([]string{
			strconv.FormatUint(uint64(info.ID), 10),
			name,
			info.State,
			info.Transport,
			info.RemoteAddr,
			formatAge(snap.Taken, info.AdmittedAt),
			strconv.Itoa(info.SkipCount),
		})
	}

	tw.Render()
	fmt.Fprintf(c.out, "%d connections, %d active\n\n", len(snap.Clients), snap.Active)
	return nil
}

// printClientDetail prints detailed info for a single client.
func (c *CLI) printClientDetail(info server.ClientInfo, now time.Time) {
	fmt.Fprintf(c.out, "\n  Client ID:    %d\n", info.ID)
	fmt.Fprintf(c.out, "  Username:     %s\n", info.Username)
	fmt.Fprintf(c.out, "  State:        %s\n", info.State)
	fmt.Fprintf(c.out, "  Transport:    %s\n", info.Transport)
	fmt.Fprintf(c.out, "  Remote:       %s\n", info.RemoteAddr)
	fmt.Fprintf(c.out, "  Connected:    %s\n", formatAge(now, info.AdmittedAt))
	if !info.ActivatedAt.IsZero() {
		fmt.Fprintf(c.out, "  Active since: %s\n", info.ActivatedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(c.out, "  HB skips:     %d\n\n", info.SkipCount)
}

// printStats displays cumulative broker counters.
func (c *CLI) printStats() {
	snap := c.broker.Snapshot()
	st := snap.Stats

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Counter", "Value"})
	tw.SetBorder(true)
	tw.AppendBulk([][]string{
		{"uptime", formatAge(snap.Taken, snap.Started)},
		{"tick", strconv.FormatUint(snap.Tick, 10)},
		{"last tick", snap.LastTickDuration.String()},
		{"connections", strconv.Itoa(len(snap.Clients))},
		{"active", strconv.Itoa(snap.Active)},
		{"admitted", strconv.FormatUint(st.Admitted, 10)},
		{"dropped", strconv.FormatUint(st.Dropped, 10)},
		{"broadcasts", strconv.FormatUint(st.Broadcasts, 10)},
		{"notices", strconv.FormatUint(st.Notices, 10)},
		{"heartbeats sent", strconv.FormatUint(st.HeartbeatsSent, 10)},
	})
	for _, reason := range slices.Sorted(maps.Keys(st.DropReasons)) {
		tw.Append([]string{"dropped: " + reason, strconv.FormatUint(st.DropReasons[reason], 10)})
	}
	fmt.Fprintln(c.out)
	tw.Render()
	fmt.Fprintln(c.out)
}

// printLag displays long tick statistics and alerts.
func (c *CLI) printLag() {
	if c.lag == nil {
		fmt.Fprintln(c.out, "Lag monitor is not running")
		return
	}
	stats := c.lag.Stats(10)

	fmt.Fprintf(c.out, "\n  Long ticks:   %d total, %d in the last hour\n", stats.TotalEvents, stats.EventsThisHour)
	fmt.Fprintf(c.out, "  Max / avg:    %s / %s\n", stats.MaxDuration, stats.AvgDuration)
	for _, alert := range c.lag.CheckThresholds() {
		fmt.Fprintf(c.out, "  [%s] %s\n", strings.ToUpper(alert.Level), alert.Message)
	}

	if len(stats.Recent) > 0 {
		tw := tablewriter.NewWriter(c.out)
		tw.SetHeader([]string{"Time", "Duration", "Connections"})
		tw.SetBorder(true)
		for _, e := range stats.Recent {
			tw.Append([]string{
				e.Timestamp.Format(time.TimeOnly),
				e.Duration.String(),
				strconv.Itoa(e.Connections),
			})
		}
		fmt.Fprintln(c.out)
		tw.Render()
	}
	fmt.Fprintln(c.out)
}

func (c *CLI) cmdKick(args []string) error {
	id, err := parseIDArg(args)
	if err != nil {
		return err
	}
	if err := c.broker.Kick(id); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Kick queued for client %d\n", id)
	return nil
}

func (c *CLI) cmdSay(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: say <text>")
	}
	message := strings.Join(args, " ")
	if err := c.broker.Notice(message); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Notice sent: %s\n", message)
	return nil
}

func parseIDArg(args []string) (uint32, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("client id required")
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid client id: %s", args[0])
	}
	return uint32(id), nil
}

func formatAge(now, since time.Time) string {
	if since.IsZero() {
		return "-"
	}
	return now.Sub(since).Truncate(time.Second).String()
}
