package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zvolchak/FAME-Z/internal/broker/client"
	"github.com/zvolchak/FAME-Z/internal/broker/dispatch"
	"github.com/zvolchak/FAME-Z/internal/config"
)

// addClientCommand wires a scripted, non-interactive client: connect,
// optionally send one request, optionally wait for the broker's "pong"
// reply, then exit. An interactive stdin REPL is intentionally not
// provided.
func addClientCommand(rootCmd *cobra.Command) {
	var (
		socketPath string
		smart      bool
		send       string
		waitReply  time.Duration
	)

	clientCmd := &cobra.Command{
		Use:   "client",
		Short: "Connect to a FAME-Z broker as a peer",
		Long:  "client dials the broker's UNIX socket, runs the handshake to Ready, optionally sends one request, and exits.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fileCfg, err := config.Load()
			if err != nil {
				return err
			}

			c, err := client.Connect(firstNonEmpty(socketPath, fileCfg.SocketPath), smart, log)
			if err != nil {
				return err
			}
			defer c.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "assigned id %d\n", c.MyID())

			if waitReply > 0 {
				replyCh := make(chan string, 1)
				c.Dispatcher().RegisterHandler("pong", func(_ *dispatch.Dispatcher, fromID int, tokens []string) bool {
					select {
					case replyCh <- fmt.Sprintf("pong from=%d %v", fromID, tokens):
					default:
					}
					return true
				})

				go c.Run()

				if send != "" {
					if err := c.Dispatcher().Send(c.ServerID(), send, false, ""); err != nil {
						return fmt.Errorf("send: %w", err)
					}
				}

				select {
				case reply := <-replyCh:
					fmt.Fprintln(cmd.OutOrStdout(), reply)
				case <-time.After(waitReply):
					return fmt.Errorf("timed out waiting for a reply after %s", waitReply)
				}
				return nil
			}

			go c.Run()

			if send == "" {
				return nil
			}
			if err := c.Dispatcher().Send(c.ServerID(), send, false, ""); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			return nil
		},
	}

	flags := clientCmd.Flags()
	flags.StringVar(&socketPath, "socketpath", "", "UNIX socket path to dial")
	flags.BoolVar(&smart, "smart", false, "Run the client's dispatcher in smart mode (it then answers Link RFC requests); the peer id is still assigned by the broker")
	flags.StringVar(&send, "send", "", "Payload to send to the broker after connecting, e.g. 'ping'")
	flags.DurationVar(&waitReply, "wait-reply", 0, "How long to wait for the broker's pong reply before exiting, e.g. 2s")

	rootCmd.AddCommand(clientCmd)
}
