package cmd

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/zvolchak/FAME-Z/internal/broker/httpstatus"
	"github.com/zvolchak/FAME-Z/internal/broker/server"
	"github.com/zvolchak/FAME-Z/internal/config"
)

func addBrokerCommand(rootCmd *cobra.Command) {
	var (
		mailbox    string
		socketPath string
		nClients   int
		silent     bool
		smart      bool
		noRecycle  bool
		tagTTL     string
		statusAddr string
	)

	brokerCmd := &cobra.Command{
		Use:   "broker",
		Short: "Run the FAME-Z mailbox broker",
		Long:  "broker starts the ivshmem-compatible server: it owns the mailbox region, accepts client connections on a UNIX socket, allocates peer ids, and distributes eventfds.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fileCfg, err := config.Load()
			if err != nil {
				return err
			}

			cfg := server.Config{
				Mailbox:    firstNonEmpty(mailbox, fileCfg.Mailbox),
				SocketPath: firstNonEmpty(socketPath, fileCfg.SocketPath),
				NClients:   firstNonZero(nClients, fileCfg.NClients),
				Silent:     silent || fileCfg.Silent,
				Smart:      smart || fileCfg.Smart,
				Recycle:    !noRecycle && fileCfg.Recycle,
				TagTTL:     config.TagTTLDuration(fileCfg, 0),
			}
			if tagTTL != "" {
				fileCfg.TagTTL = tagTTL
				cfg.TagTTL = config.TagTTLDuration(fileCfg, cfg.TagTTL)
			}

			b, err := server.New(cfg, log)
			if err != nil {
				return err
			}
			defer b.Close()

			if statusAddr != "" {
				h := &httpstatus.Handler{NClients: cfg.NClients, ServerID: b.ServerID(), Peers: b.Peers()}
				mux := http.NewServeMux()
				mux.Handle("/gimme", h)
				go func() {
					log.WithField("addr", statusAddr).Info("status endpoint listening")
					if err := http.ListenAndServe(statusAddr, mux); err != nil {
						log.WithError(err).Error("status endpoint stopped")
					}
				}()
			}

			return b.Run()
		},
	}

	flags := brokerCmd.Flags()
	flags.StringVar(&mailbox, "mailbox", "", "Path to the shared-memory mailbox file")
	flags.StringVar(&socketPath, "socketpath", "", "UNIX socket path clients connect to")
	flags.IntVar(&nClients, "nClients", 0, "Maximum number of client peers")
	flags.BoolVar(&silent, "silent", false, "Broker does not participate as a peer")
	flags.BoolVar(&smart, "smart", false, "Allocate peer ids uniformly at random instead of smallest-free")
	flags.BoolVar(&noRecycle, "norecycle", false, "Disable recycling of peer records across reconnects")
	flags.StringVar(&tagTTL, "tag-ttl", "", "Correlation tag expiry, e.g. 30s")
	flags.StringVar(&statusAddr, "http", "", "Optional address to serve the read-only /gimme status endpoint on, e.g. :8080")

	rootCmd.AddCommand(brokerCmd)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstNonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}
