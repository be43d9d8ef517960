package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomrun/loom/internal/sessions"
)

// buildSessionCmd groups the session-store operations SPEC_FULL.md §4.H
// adds beyond the donor: list, fork, export, import. Grounded on the
// donor's cmd/nexus/commands.go profile/pairing command-group shape (a
// parent command with no RunE, children doing the work).
func buildSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and manipulate stored sessions",
	}
	cmd.AddCommand(
		buildSessionListCmd(),
		buildSessionForkCmd(),
		buildSessionExportCmd(),
		buildSessionImportCmd(),
	)
	return cmd
}

func openStore(ctx context.Context) (*sessions.FileStore, func(), error) {
	a, err := newApp(ctx)
	if err != nil {
		return nil, nil, err
	}
	return a.sessions, a.close, nil
}

func buildSessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sessions, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			list, err := store.List()
			if err != nil {
				return err
			}
			for _, s := range list {
				fmt.Printf("%s\t%s\t%s\t%s\n", s.ID, s.UpdatedAt.Format("2006-01-02 15:04"), s.Provider, s.WorkingDir)
			}
			return nil
		},
	}
}

func buildSessionForkCmd() *cobra.Command {
	var cutoff int
	cmd := &cobra.Command{
		Use:   "fork <session-id>",
		Short: "Fork a session at a message cutoff, leaving the original untouched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			fork, err := store.Fork(args[0], cutoff)
			if err != nil {
				return err
			}
			fmt.Println(fork.ID)
			return nil
		},
	}
	cmd.Flags().IntVar(&cutoff, "cutoff", -1, "keep only the first N messages (-1 keeps everything)")
	return cmd
}

func buildSessionExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <session-id>",
		Short: "Print a session's on-disk JSON representation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			raw, err := store.Export(args[0])
			if err != nil {
				return err
			}
			fmt.Println(raw)
			return nil
		},
	}
}

func buildSessionImportCmd() *cobra.Command {
	var fromFile string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a session export under a freshly assigned id",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			raw, err := os.ReadFile(fromFile)
			if err != nil {
				return fmt.Errorf("read %s: %w", fromFile, err)
			}
			session, err := store.Import(string(raw))
			if err != nil {
				return err
			}
			fmt.Println(session.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&fromFile, "file", "", "path to a previously exported session JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
