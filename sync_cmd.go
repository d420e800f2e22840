package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/diaryx/diaryx-go/internal/transport"
	"github.com/diaryx/diaryx-go/internal/watch"
)

func newSyncCmd() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run live sync: watch local edits and exchange updates with the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			url := serverURL
			if url == "" {
				url = a.appCfg.SyncServerURL
			}
			if url == "" {
				return fmt.Errorf("no sync server configured (--server or sync_server_url in config)")
			}

			root := flagWorkspace
			if root == "" {
				root, err = os.Getwd()
				if err != nil {
					return err
				}
			}

			// Mirror the on-disk tree into the CRDT before going live so
			// the first handshake offers complete state.
			rootIndex, err := resolveRoot(cmd.Context(), a, "")
			if err != nil {
				return err
			}
			if err := a.workspace.SyncFromDisk(cmd.Context(), rootIndex); err != nil {
				return err
			}

			watcher := watch.New(root, a.workspace.FS(), a.workspace.Doc(), a.workspace.Bodies(), a.sync, a.logger)
			client := transport.New(url, a.sync, a.logger)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return watcher.Run(ctx) })
			g.Go(func() error { return client.Run(ctx) })
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "websocket sync server URL")
	return cmd
}
