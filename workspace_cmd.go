package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/diaryx/diaryx-go/internal/command"
)

func newInitCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a workspace root index in the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			root, err := a.workspace.InitWorkspace(cmd.Context(), "", title)
			if err != nil {
				return err
			}
			fmt.Println(root)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "workspace title")
	return cmd
}

func newTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree [root]",
		Short: "Print the workspace hierarchy",
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
			resp, err := a.dispatcher.Execute(cmd.Context(), &command.Request{Op: command.OpGetTree, Root: root})
			if err != nil {
				return err
			}
			fmt.Print(a.workspace.FormatTree(resp.Tree))
			return nil
		},
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "Print an entry's body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			resp, err := a.dispatcher.Execute(cmd.Context(), &command.Request{Op: command.OpGetEntry, Path: args[0]})
			if err != nil {
				return err
			}
			fmt.Print(resp.Body)
			return nil
		},
	}
}

func newSaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save <path>",
		Short: "Replace an entry's body with stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			body, err := readAll(os.Stdin)
			if err != nil {
				return err
			}
			_, err = a.dispatcher.Execute(cmd.Context(), &command.Request{Op: command.OpSaveEntry, Path: args[0], Body: body})
			return err
		},
	}
}

func newNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new <parent>",
		Short: "Create a new child entry under a parent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			resp, err := a.dispatcher.Execute(cmd.Context(), &command.Request{Op: command.OpCreateEntry, Parent: args[0]})
			if err != nil {
				return err
			}
			fmt.Println(resp.Path)
			return nil
		},
	}
}

func newAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <entry> <parent>",
		Short: "Attach an entry under a parent index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			resp, err := a.dispatcher.Execute(cmd.Context(), &command.Request{Op: command.OpAttachEntry, Path: args[0], Parent: args[1]})
			if err != nil {
				return err
			}
			fmt.Println(resp.Path)
			return nil
		},
	}
}

func newMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <from> <to>",
		Short: "Move an entry, updating both parent indexes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			_, err = a.dispatcher.Execute(cmd.Context(), &command.Request{Op: command.OpMoveEntry, Path: args[0], ToPath: args[1]})
			return err
		},
	}
}

func newRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <path> <new-filename>",
		Short: "Rename an entry (an index carries its directory and children along)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			resp, err := a.dispatcher.Execute(cmd.Context(), &command.Request{Op: command.OpRenameEntry, Path: args[0], Name: args[1]})
			if err != nil {
				return err
			}
			fmt.Println(resp.Path)
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete an entry (refuses a populated index)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			_, err = a.dispatcher.Execute(cmd.Context(), &command.Request{Op: command.OpDeleteEntry, Path: args[0]})
			return err
		},
	}
}

func newConvertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert between leaf and index",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "to-index <path>",
			Short: "Turn a leaf into an index with its own directory",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := openApp(cmd.Context())
				if err != nil {
					return err
				}
				defer a.close()
				resp, err := a.dispatcher.Execute(cmd.Context(), &command.Request{Op: command.OpConvertToIndex, Path: args[0]})
				if err != nil {
					return err
				}
				fmt.Println(resp.Path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "to-leaf <path>",
			Short: "Turn an empty index back into a leaf",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := openApp(cmd.Context())
				if err != nil {
					return err
				}
				defer a.close()
				resp, err := a.dispatcher.Execute(cmd.Context(), &command.Request{Op: command.OpConvertToLeaf, Path: args[0]})
				if err != nil {
					return err
				}
				fmt.Println(resp.Path)
				return nil
			},
		},
	)
	return cmd
}

func newDuplicateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "duplicate <path>",
		Short: "Copy an entry under a derived name in the same parent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			resp, err := a.dispatcher.Execute(cmd.Context(), &command.Request{Op: command.OpDuplicateEntry, Path: args[0]})
			if err != nil {
				return err
			}
			fmt.Println(resp.Path)
			return nil
		},
	}
}

func newTodayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "today",
		Short: "Open (creating if needed) today's daily entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			resp, err := a.dispatcher.Execute(cmd.Context(), &command.Request{Op: command.OpEnsureDailyEntry, Root: a.cfg.DailyFolder})
			if err != nil {
				return err
			}
			fmt.Println(resp.Path)
			return nil
		},
	}
}

func argOrEmpty(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
