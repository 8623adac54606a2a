package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/temscope/eventgw/internal/client"
	"github.com/temscope/eventgw/internal/logging"
	"github.com/temscope/eventgw/internal/ws"
)

func watchCmd() *cobra.Command {
	var (
		url      string
		logLevel string
		send     []string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print events from a running gateway",
		Long: `Connect to a gateway event stream and print one line per event.
The connection is retried with backoff until interrupted.

Each --send text is written to the stream after every connect; the
gateway's echo reply is printed alongside the events.

Examples:
  eventgw watch
  eventgw watch --url=ws://gw:8080/ws/v1 --send=ping`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(url, logLevel, send)
		},
	}

	cmd.Flags().StringVarP(&url, "url", "u", "ws://localhost:8080/ws/v1", "Event stream URL")
	cmd.Flags().StringVar(&logLevel, "log-level", logging.LevelWarn, "Log level for connection diagnostics")
	cmd.Flags().StringArrayVar(&send, "send", nil, "Text frame to send after connecting (repeatable)")

	return cmd
}

func runWatch(url, logLevel string, send []string) error {
	logger, err := logging.New(logLevel, "console")
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := client.NewWatcher(url, logger.Named("watch"))
	w.OnConnect = func() {
		fmt.Println(statusLine(true, url))
		for _, text := range send {
			if err := w.Send(text); err != nil {
				logger.Warn("send failed", zap.String("text", text), zap.Error(err))
			}
		}
	}
	w.OnReply = func(text string) {
		fmt.Println(replyLine(time.Now(), text))
	}
	w.OnDisconnect = func(err error) {
		logger.Debug("disconnect", zap.Error(err))
		fmt.Println(statusLine(false, url))
	}

	return w.Watch(ctx, func(ev ws.Event) {
		fmt.Println(eventLine(time.Now(), ev))
	})
}
