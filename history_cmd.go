package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/diaryx/diaryx-go/internal/command"
)

func newHistoryCmd() *cobra.Command {
	var limit int
	var docName string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List workspace updates and the files they changed",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			resp, err := a.dispatcher.Execute(cmd.Context(), &command.Request{
				Op: command.OpGetHistory, DocName: docName, Limit: limit,
			})
			if err != nil {
				return err
			}
			for _, e := range resp.History {
				stamp := time.UnixMilli(e.Timestamp).Format(time.RFC3339)
				device := e.DeviceName
				if device == "" {
					device = e.DeviceID
				}
				fmt.Printf("%6d  %s  %-6s  %-16s  %s\n",
					e.UpdateID, stamp, e.Origin, device, strings.Join(e.ChangedFiles, ", "))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max entries")
	cmd.Flags().StringVar(&docName, "doc", "", "document name (default: workspace)")
	return cmd
}

func newDiffCmd() *cobra.Command {
	var docName string
	cmd := &cobra.Command{
		Use:   "diff <from-id> <to-id>",
		Short: "Show file-level differences between two update ids",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fromID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad from-id %q: %w", args[0], err)
			}
			toID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("bad to-id %q: %w", args[1], err)
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			resp, err := a.dispatcher.Execute(cmd.Context(), &command.Request{
				Op: command.OpGetDiff, DocName: docName, FromID: fromID, ToID: toID,
			})
			if err != nil {
				return err
			}
			for _, d := range resp.Diffs {
				fmt.Printf("%-9s %s\n", d.Kind, d.Path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&docName, "doc", "", "document name (default: workspace)")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	var docName string
	cmd := &cobra.Command{
		Use:   "restore <update-id>",
		Short: "Revert the workspace to its state at an update id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad update-id %q: %w", args[0], err)
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			_, err = a.dispatcher.Execute(cmd.Context(), &command.Request{
				Op: command.OpRestoreVersion, DocName: docName, FromID: id,
			})
			return err
		},
	}
	cmd.Flags().StringVar(&docName, "doc", "", "document name (default: workspace)")
	return cmd
}

func newCompactCmd() *cobra.Command {
	var keep int
	var docName string
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Fold old updates into the document snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			_, err = a.dispatcher.Execute(cmd.Context(), &command.Request{
				Op: command.OpCompactStorage, DocName: docName, KeepN: keep,
			})
			return err
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 100, "updates to keep in the log")
	cmd.Flags().StringVar(&docName, "doc", "", "document name (default: workspace)")
	return cmd
}

func readAll(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
