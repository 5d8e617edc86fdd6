// ticktalk is the terminal chat client.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/energizer-project/ticktalk/internal/client"
	"github.com/energizer-project/ticktalk/internal/protocol"
	"github.com/energizer-project/ticktalk/internal/util"
)

const (
	AppName    = "ticktalk"
	AppVersion = "1.0.0"
)

type connectFlags struct {
	websocket bool
	echo      bool
	logLevel  string
	timeout   time.Duration
}

func main() {
	var flags connectFlags

	rootCmd := &cobra.Command{
		Use:           AppName,
		Short:         "ticktalk chat client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	connectCmd := &cobra.Command{
		Use:   "connect <host:port> <username>",
		Short: "Join a ticktalk server",
		Long: `Connect to a ticktalk server and chat. Type a line and press enter
to send it; /quit or Ctrl+C leaves.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return connect(args[0], args[1], flags)
		},
	}
	connectCmd.Flags().BoolVar(&flags.websocket, "ws", false, "connect over WebSocket instead of TCP")
	connectCmd.Flags().BoolVar(&flags.echo, "echo", false, "print own lines when sent instead of waiting for the relay")
	connectCmd.Flags().StringVar(&flags.logLevel, "log-level", "warn", "diagnostic log level (written to stderr)")
	connectCmd.Flags().DurationVar(&flags.timeout, "timeout", 10*time.Second, "dial timeout")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s %s/%s)\n", AppName, AppVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}

	rootCmd.AddCommand(connectCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func connect(addr, username string, flags connectFlags) error {
	if _, err := util.InitLogger(util.LogConfig{
		App:     AppName,
		Level:   flags.logLevel,
		Console: true,
	}); err != nil {
		return err
	}

	c, err := client.New(client.Options{
		Address:     addr,
		Username:    username,
		WebSocket:   flags.websocket,
		DialTimeout: flags.timeout,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	renderer := client.NewRenderer(os.Stdout)
	renderer.EchoOutgoing = flags.echo
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		renderer.Run(ctx, c.Events())
	}()

	if err := c.Connect(ctx); err != nil {
		<-rendered
		return err
	}
	defer c.Close()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			c.Close()
			<-rendered
			return nil
		case <-c.Done():
			<-rendered
			return c.Err()
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				c.Close()
				<-rendered
				return nil
			}
			if line == "" {
				continue
			}
			if err := c.Send(line); err != nil {
				if errors.Is(err, client.ErrClosed) {
					continue
				}
				log.Debug().Err(err).Msg("send failed")
				renderer.Render(client.Event{
					Kind:     client.KindSystem,
					UserID:   protocol.SystemNoticeID,
					Username: protocol.SystemNoticeName,
					Text:     err.Error(),
					At:       time.Now(),
				})
			}
		}
	}
}
