package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/diaryx/diaryx-go/internal/command"
)

func newValidateCmd() *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "validate [root]",
		Short: "Check the workspace hierarchy for broken references",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			root, err := resolveRoot(cmd.Context(), a, argOrEmpty(args, 0))
			if err != nil {
				return err
			}
			resp, err := a.dispatcher.Execute(cmd.Context(), &command.Request{Op: command.OpValidateWorkspace, Root: root})
			if err != nil {
				return err
			}
			if len(resp.Report.Issues) == 0 {
				fmt.Println("workspace is consistent")
				return nil
			}
			for _, issue := range resp.Report.Issues {
				class := "warning"
				if issue.Kind.IsError() {
					class = "error"
				}
				fmt.Printf("%-7s %-22s %s: %s\n", class, issue.Kind, issue.Path, issue.Message)
				if !fix {
					continue
				}
				fixReq := issue
				fixResp, err := a.dispatcher.Execute(cmd.Context(), &command.Request{Op: command.OpFixIssue, Issue: &fixReq})
				if err != nil {
					return err
				}
				status := "fixed"
				if !fixResp.Fix.Success {
					status = "not fixed"
				}
				fmt.Printf("        %s: %s\n", status, fixResp.Fix.Message)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "apply auto-fixes")
	return cmd
}
