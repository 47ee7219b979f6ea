package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/kgstream/pkg/kgstream/progress"
)

// progressView is the printed form of one projection's progress.
type progressView struct {
	Projection string `json:"projection"`
	progress.Progress
}

func newProgressCommand(s *settings) *cobra.Command {
	cmd := &cobra.Command{Use: "progress", Short: "Projection progress"}
	cmd.AddCommand(newProgressShowCommand(s), newProgressResetCommand(s))
	return cmd
}

// newProgressShowCommand constructs the `progress show` subcommand.
func newProgressShowCommand(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "show [projection...]",
		Short: "Print the stored progress of projections (all when none are named)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := s.open()
			if err != nil {
				return err
			}
			defer ws.Close()

			ctx := cmd.Context()
			var views []progressView
			if len(args) == 0 {
				lister, ok := ws.progress.(progressLister)
				if !ok {
					return fmt.Errorf("progress backend %q cannot list projections", s.progressBackend)
				}
				all, err := lister.List(ctx)
				if err != nil {
					return err
				}
				for name, p := range all {
					views = append(views, progressView{Projection: name, Progress: p})
				}
				sort.Slice(views, func(i, j int) bool { return views[i].Projection < views[j].Projection })
			} else {
				for _, name := range args {
					p, err := ws.progress.Load(ctx, name)
					if err != nil {
						return err
					}
					views = append(views, progressView{Projection: name, Progress: p})
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, v := range views {
				if err := enc.Encode(v); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// newProgressResetCommand constructs the `progress reset` subcommand. The
// next run of a reset projection starts from the beginning of the log.
func newProgressResetCommand(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <projection...>",
		Short: "Delete stored progress so projections rebuild from scratch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := s.open()
			if err != nil {
				return err
			}
			defer ws.Close()

			for _, name := range args {
				if _, err := progress.Resolve(cmd.Context(), ws.progress, name, progress.FullRestart); err != nil {
					return fmt.Errorf("reset %s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", name)
			}
			return nil
		},
	}
}
