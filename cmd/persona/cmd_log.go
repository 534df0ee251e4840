package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/daviddao/persona/pkg/model"
)

func newLogCmd(a *app) *cobra.Command {
	var (
		since    int64
		limit    int
		kind     string
		follow   bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Query the append-only claim journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ledger, err := a.openLedger()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			events, err := ledger.ListEvents(ctx, since, limit)
			if err != nil {
				return fmt.Errorf("log: %w", err)
			}
			events = filterKind(events, kind)

			if !follow {
				if a.jsonOut {
					a.printJSON(map[string]any{"events": events, "count": len(events)})
				} else {
					a.printEvents(events)
				}
				return nil
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			cursor := ledger.MaxEventID(ctx)
			a.emitEvents(events)
			fmt.Fprintf(cmd.ErrOrStderr(), "following journal (poll every %s, ctrl-c to stop)\n", interval)

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					batch, err := ledger.ListEventsSinceID(ctx, cursor, 100)
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "persona: log: %v\n", err)
						continue
					}
					for _, e := range batch {
						cursor = max(cursor, e.ID)
					}
					a.emitEvents(filterKind(batch, kind))
				}
			}
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "fetch events with lamport_ts >= this")
	cmd.Flags().IntVar(&limit, "limit", 50, "max events to return")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by event kind")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new events as they are journaled")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval with --follow")
	return cmd
}

func filterKind(events []model.Event, kind string) []model.Event {
	if kind == "" {
		return events
	}
	filtered := events[:0]
	for _, e := range events {
		if string(e.Kind) == kind {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// emitEvents writes events as JSON lines or text, for streaming.
func (a *app) emitEvents(events []model.Event) {
	for _, e := range events {
		if a.jsonOut {
			b, _ := json.Marshal(e)
			a.printf("%s\n", b)
		} else {
			a.printf("%s\n", formatEvent(e, time.Now()))
		}
	}
}

func (a *app) printEvents(events []model.Event) {
	if len(events) == 0 {
		a.printf("no events\n")
		return
	}
	now := time.Now()
	for _, e := range events {
		a.printf("%s\n", formatEvent(e, now))
	}
}

func formatEvent(e model.Event, now time.Time) string {
	key := model.ClaimKey{ChannelID: e.ChannelID, StimulusID: e.StimulusID}
	age := humanize.RelTime(e.CreatedAt, now, "ago", "from now")
	switch e.Kind {
	case model.EventRegister:
		return fmt.Sprintf("[ts=%d] %s registered (%s)", e.LamportTS, e.AgentID, age)
	case model.EventPoison:
		return fmt.Sprintf("[ts=%d] %s dropped poison message %s: %s (%s)", e.LamportTS, e.AgentID, e.StimulusID, e.Body, age)
	case model.EventPropose, model.EventClaim, model.EventYield, model.EventHeartbeat, model.EventComplete, model.EventExpire:
		s := fmt.Sprintf("[ts=%d] %s %s %s", e.LamportTS, e.AgentID, e.Kind, key)
		if e.Body != "" {
			s += " " + e.Body
		}
		return s + " (" + age + ")"
	default:
		return fmt.Sprintf("[ts=%d] %s %s %s %s (%s)", e.LamportTS, e.AgentID, e.Kind, key, e.Body, age)
	}
}

// parseClaimKey splits "channel/stimulus". Stimulus IDs may contain
// slashes; the channel may not.
func parseClaimKey(s string) (model.ClaimKey, error) {
	ch, stim, ok := strings.Cut(s, "/")
	if !ok || ch == "" || stim == "" {
		return model.ClaimKey{}, fmt.Errorf("claim key must be channel/stimulus, got %q", s)
	}
	return model.ClaimKey{ChannelID: ch, StimulusID: stim}, nil
}
