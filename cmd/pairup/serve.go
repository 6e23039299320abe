package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/yixinin/pairup/config"
	"github.com/yixinin/pairup/db"
	"github.com/yixinin/pairup/relay"
	"github.com/yixinin/pairup/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()

		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}
		store, closeStore, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		return server.NewServer(store).Run(ctx, cfg.Server.Addr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address, overrides server.addr")
}

// openStore builds the relay backing store named by server.store.
func openStore(c *config.Config) (relay.Store, func(), error) {
	switch c.Server.Store {
	case "", "memory":
		return relay.NewMemoryStore(), func() {}, nil
	case "badger":
		storage, err := db.Open(c.Storage.Dir, c.Storage.InMemory)
		if err != nil {
			return nil, nil, err
		}
		closeStore := func() {
			if err := storage.Close(); err != nil {
				logrus.Errorf("close storage error:%v", err)
			}
		}
		return relay.NewBadgerStore(storage, c.Storage.TTL), closeStore, nil
	}
	return nil, nil, fmt.Errorf("unknown relay store %q", c.Server.Store)
}

// serveInProcess runs a relay server next to the caller until ctx is done.
func serveInProcess(ctx context.Context, store relay.Store, addr string) {
	go func() {
		if err := server.NewServer(store).Run(ctx, addr); err != nil {
			logrus.Errorf("relay server error:%v", err)
		}
	}()
}
