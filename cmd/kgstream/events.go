package main

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/kgstream/pkg/kgstream/eventlog"
)

// eventView is the printed form of one log entry.
type eventView struct {
	Offset eventlog.Offset `json:"offset"`
	eventlog.Event
}

func newEventsCommand(s *settings) *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "Event log"}
	cmd.AddCommand(newEventsTailCommand(s))
	return cmd
}

// newEventsTailCommand constructs the `events tail` subcommand.
func newEventsTailCommand(s *settings) *cobra.Command {
	var (
		tag    string
		after  uint64
		limit  int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print events after an offset as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := s.open()
			if err != nil {
				return err
			}
			defer ws.Close()

			ctx := cmd.Context()
			from := eventlog.Offset(after)

			var seq iter.Seq2[eventlog.Envelope, error]
			switch {
			case tag != "" && follow:
				seq = eventlog.EventsByTag(ctx, ws.log, eventlog.Tag(tag), from)
			case tag != "":
				seq = eventlog.CurrentEventsByTag(ctx, ws.log, eventlog.Tag(tag), from)
			default:
				seq = allEvents(ctx, ws.log, from, follow)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			n := 0
			for env, err := range seq {
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				if err := enc.Encode(eventView{Offset: env.Offset, Event: env.Event}); err != nil {
					return err
				}
				if n++; limit > 0 && n >= limit {
					return nil
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "Only events carrying this tag")
	cmd.Flags().Uint64Var(&after, "after", 0, "Start after this offset")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Stop after N events (0 = no limit)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep waiting for new events")
	return cmd
}

// allEvents walks the untagged global order. With follow it waits for
// appends once caught up.
func allEvents(ctx context.Context, log *eventlog.PebbleLog, from eventlog.Offset, follow bool) iter.Seq2[eventlog.Envelope, error] {
	const page = 256
	var reader eventlog.AllReader = log
	return func(yield func(eventlog.Envelope, error) bool) {
		after := from
		for {
			notify := log.Notify()
			envs, err := reader.ReadAll(ctx, after, page)
			if err != nil {
				yield(eventlog.Envelope{}, err)
				return
			}
			for _, env := range envs {
				if !yield(env, nil) {
					return
				}
				after = env.Offset
			}
			if len(envs) == page {
				continue
			}
			if !follow {
				return
			}
			select {
			case <-ctx.Done():
				yield(eventlog.Envelope{}, ctx.Err())
				return
			case <-notify:
			case <-time.After(eventlog.DefaultPollInterval):
			}
		}
	}
}
