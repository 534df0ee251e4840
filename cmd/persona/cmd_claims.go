package main

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/daviddao/persona/pkg/model"
)

func newClaimsCmd(a *app) *cobra.Command {
	var state string
	var history bool
	cmd := &cobra.Command{
		Use:   "claims [channel/stimulus]",
		Short: "List claims recorded in the ledger",
		Long: `List every claim row in the ledger, or with a channel/stimulus key and
--history, the journal entries for that key in Lamport order.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := a.openLedger()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if len(args) == 1 {
				key, err := parseClaimKey(args[0])
				if err != nil {
					return err
				}
				if history {
					events, err := ledger.ListEventsForKey(ctx, key)
					if err != nil {
						return err
					}
					if a.jsonOut {
						a.printJSON(map[string]any{"key": key, "events": events})
					} else {
						a.printEvents(events)
					}
					return nil
				}
				c, err := ledger.GetClaim(ctx, key)
				if err != nil {
					return err
				}
				if a.jsonOut {
					a.printJSON(c)
				} else {
					a.printClaims([]model.Claim{c})
				}
				return nil
			}

			claims, err := ledger.ListClaims(ctx)
			if err != nil {
				return err
			}
			if state != "" {
				filtered := claims[:0]
				for _, c := range claims {
					if string(c.State) == state {
						filtered = append(filtered, c)
					}
				}
				claims = filtered
			}
			if a.jsonOut {
				a.printJSON(map[string]any{"claims": claims, "count": len(claims)})
				return nil
			}
			a.printClaims(claims)
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state (claimed, resolved, expired)")
	cmd.Flags().BoolVar(&history, "history", false, "show the journal for one key")
	return cmd
}

func (a *app) printClaims(claims []model.Claim) {
	if len(claims) == 0 {
		a.printf("no claims\n")
		return
	}
	now := time.Now()
	for _, c := range claims {
		switch c.State {
		case model.ClaimClaimed:
			a.printf("%-30s %-9s %-15s ts=%-5d score=%.2f expires %s\n",
				c.Key, c.State, c.HolderID, c.LamportTS, c.Score, humanize.RelTime(c.ExpiresAt, now, "ago", "from now"))
		default:
			a.printf("%-30s %-9s %-15s ts=%-5d score=%.2f\n",
				c.Key, c.State, c.HolderID, c.LamportTS, c.Score)
		}
	}
}
