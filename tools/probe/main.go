// Command probe is an operator tool: it joins a session as a passive peer and
// tails the relay's channel traffic, or injects a chat message.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"gloomvault/server/internal/net/proto"
	"gloomvault/server/internal/session"
	"gloomvault/server/internal/transport"
)

var (
	relayURL  string
	sessionID string
	clientID  string
	role      string
)

func main() {
	root := &cobra.Command{
		Use:   "probe",
		Short: "Join a gloomvault session and inspect relay traffic",
	}
	root.PersistentFlags().StringVar(&relayURL, "url", "ws://localhost:8080/ws", "relay websocket URL")
	root.PersistentFlags().StringVar(&sessionID, "session", "demo", "session id to join")
	root.PersistentFlags().StringVar(&clientID, "id", "", "client id (generated when empty)")
	root.PersistentFlags().StringVar(&role, "role", "probe", "role reported on outbound traffic")

	root.AddCommand(tailCmd(), sayCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func dial() transport.Adapter {
	if clientID == "" {
		clientID = "probe-" + uuid.NewString()[:8]
	}
	return transport.Dial(transport.Config{
		URL:       relayURL,
		SessionID: sessionID,
		ClientID:  clientID,
		Logger:    log.New(os.Stderr, "[probe] ", log.LstdFlags),
	})
}

func tailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tail",
		Short: "Print every envelope the relay fans out to this peer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			adapter := dial()
			defer adapter.Close()
			if adapter.Mode() != transport.ModeRealtime {
				return fmt.Errorf("could not reach relay at %s", relayURL)
			}

			styles := map[string]*color.Color{
				proto.ChannelChat:          color.New(color.FgCyan),
				proto.ChannelTeamInput:     color.New(color.FgGreen),
				proto.ChannelRoomCompleted: color.New(color.FgGreen, color.Bold),
				proto.ChannelStatePatch:    color.New(color.FgWhite),
				proto.ChannelLockUpdate:    color.New(color.FgYellow),
				proto.ChannelLockResult:    color.New(color.FgYellow, color.Bold),
				proto.ChannelSyncRequest:   color.New(color.FgMagenta),
			}
			for _, channel := range proto.Channels() {
				style := styles[channel]
				ch := channel
				adapter.On(ch, func(env proto.Envelope) {
					at := time.UnixMilli(env.SentAt).Format("15:04:05.000")
					style.Printf("%s %-14s seq=%d from=%s %s\n", at, ch, env.Seq, env.SenderID, trim(env.Payload, 120))
				})
			}

			fmt.Printf("tailing %s as %s (ctrl-c to stop)\n", sessionID, clientID)
			waitForSignal(cmd.Context())
			return nil
		},
	}
}

func sayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "say <message>",
		Short: "Send a chat message into the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			adapter := dial()
			defer adapter.Close()
			if adapter.Mode() != transport.ModeRealtime {
				return fmt.Errorf("could not reach relay at %s", relayURL)
			}
			msg := session.NewChatMessage(session.ChatKindPlayer, role, args[0], time.Now())
			if err := adapter.Broadcast(proto.ChannelChat, msg); err != nil {
				return err
			}
			// Give the write pump a beat before tearing the socket down.
			time.Sleep(200 * time.Millisecond)
			return nil
		},
	}
}

func trim(data []byte, max int) string {
	if len(data) <= max {
		return string(data)
	}
	return string(data[:max]) + "…"
}

func waitForSignal(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	select {
	case <-ctx.Done():
	case <-signals:
	}
}
