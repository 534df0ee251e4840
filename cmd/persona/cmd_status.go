package main

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/daviddao/persona/pkg/model"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show agent state and live claims from the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ledger, err := a.openLedger()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			agents, err := ledger.ListAgents(ctx)
			if err != nil {
				return err
			}
			claims, err := ledger.ListClaims(ctx)
			if err != nil {
				return err
			}
			now := time.Now()
			live := claims[:0]
			for _, c := range claims {
				if c.Live(now) {
					live = append(live, c)
				}
			}

			type agentInfo struct {
				model.Agent
				Presence string `json:"presence"`
			}
			infos := make([]agentInfo, len(agents))
			for i, ag := range agents {
				infos[i] = agentInfo{Agent: ag, Presence: agentPresence(ag, now)}
			}

			if a.jsonOut {
				a.printJSON(map[string]any{
					"agents": infos,
					"claims": live,
					"events": ledger.CountEvents(ctx),
				})
				return nil
			}

			if len(infos) == 0 {
				a.printf("agents: none\n")
			} else {
				a.printf("agents:\n")
			}
			for _, ai := range infos {
				a.printf("  %s %-15s %-10s energy=%s %.2f queue=%-3d clock=%-5d last_seen=%s\n",
					presenceIndicator(ai.Presence), ai.ID, ai.Mood, energyBar(ai.Energy), ai.Energy,
					ai.QueueDepth, ai.Clock, humanize.RelTime(ai.LastSeen, now, "ago", "from now"))
			}
			if len(live) == 0 {
				a.printf("claims: none live\n")
			} else {
				a.printf("claims:\n")
				for _, c := range live {
					a.printf("  %-30s held by %-15s ts=%-5d expires %s\n",
						c.Key, c.HolderID, c.LamportTS, humanize.RelTime(c.ExpiresAt, now, "ago", "from now"))
				}
			}
			a.printf("journal: %s events\n", humanize.Comma(ledger.CountEvents(ctx)))
			return nil
		},
	}
}
