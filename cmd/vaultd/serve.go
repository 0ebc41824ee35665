package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/keepwallet/vaultd"
	"github.com/keepwallet/vaultd/internal/api"
	"github.com/keepwallet/vaultd/internal/env"
	"github.com/keepwallet/vaultd/pkg/cachestore"
	"github.com/keepwallet/vaultd/providers/usb"
)

func newServeCmd() *cobra.Command {
	var (
		addr      string
		bridgeURL string
		dbPath    string
		frontload bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if dbPath == "" {
				var err error
				dbPath, err = cachestore.ResolveDatabasePath()
				if err != nil {
					return err
				}
			}
			store, err := cachestore.Open(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			provider := usb.NewBridge(bridgeURL)
			registry := vaultd.NewRegistry(provider)
			defer registry.Close()

			events := vaultd.NewEmitter()
			cache := vaultd.NewDerivationCache(store)
			dispatcher, err := vaultd.NewDispatcher(registry, cache, events)
			if err != nil {
				return err
			}
			pin := vaultd.NewPinManager(registry)
			recovery := vaultd.NewRecoveryManager(registry)

			server := api.NewServer(addr, dispatcher, registry, cache, pin, recovery)

			group, groupCtx := errgroup.WithContext(ctx)
			group.Go(func() error {
				return server.Run(groupCtx)
			})
			if frontload {
				vaultd.GroupGoSafe(groupCtx, group, "frontload", func(ctx context.Context) error {
					frontloadConnected(ctx, registry, dispatcher)
					return nil
				})
			}
			events.Ready()
			log.Info().Str("addr", addr).Str("bridge", bridgeURL).Str("db", dbPath).
				Msg("vaultd serving")
			return group.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", env.String("VAULTD_LISTEN_ADDR", "127.0.0.1:1646"), "HTTP listen address")
	cmd.Flags().StringVar(&bridgeURL, "bridge-url", env.String("VAULTD_BRIDGE_URL", "http://127.0.0.1:21325"), "device bridge base URL")
	cmd.Flags().StringVar(&dbPath, "db", "", "cache database path (default per VAULTD_CACHE_DB_PATH or ~/.vaultd)")
	cmd.Flags().BoolVar(&frontload, "frontload", env.Bool("VAULTD_FRONTLOAD", true), "warm the derivation cache for connected devices at startup")
	return cmd
}

// frontloadConnected warms the cache once for every device present at start.
func frontloadConnected(ctx context.Context, registry *vaultd.Registry, dispatcher *vaultd.Dispatcher) {
	devices, err := registry.ListDevices(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("frontload enumeration failed")
		return
	}
	for _, device := range devices {
		dispatcher.Frontload(ctx, device.UniqueID)
	}
}

func newDevicesCmd() *cobra.Command {
	var bridgeURL string
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List devices visible through the bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := usb.NewBridge(bridgeURL)
			devices, err := provider.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				cmd.Println("no devices")
				return nil
			}
			for _, d := range devices {
				parts := []string{d.UniqueID, d.Vendor, d.Product}
				if d.Serial != "" {
					parts = append(parts, d.Serial)
				}
				cmd.Println(strings.Join(parts, "  "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&bridgeURL, "bridge-url", env.String("VAULTD_BRIDGE_URL", "http://127.0.0.1:21325"), "device bridge base URL")
	return cmd
}
