package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/daviddao/persona/pkg/inbox"
)

func newSendCmd(a *app) *cobra.Command {
	var (
		server   string
		source   string
		channel  string
		domain   string
		priority float64
		ttl      string
	)
	cmd := &cobra.Command{
		Use:   "send [agent,...] <message>",
		Short: "Send a message to agents or broadcast it on a channel",
		Long: `Send a message to one or more agents through a running server, or with
--channel broadcast it to every subscriber so that one of them claims it.

Exits with status 2 when no recipient admitted the message.`,
		Example: `  persona send ada "review the deploy plan"
  persona send ada,grace --priority 0.9 "prod is down"
  persona send --channel general "anyone free for lunch?"`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if channel == "" && len(args) < 2 {
				return fmt.Errorf("usage: persona send <agent,...> <message> or --channel <id> <message>")
			}
			text := args[len(args)-1]
			payload, err := json.Marshal(map[string]string{"text": text})
			if err != nil {
				return err
			}
			body := map[string]any{
				"source_id": source,
				"domain":    domain,
				"priority":  priority,
				"payload":   json.RawMessage(payload),
			}
			if ttl != "" {
				body["ttl"] = ttl
			}

			c := newClient(server)
			results := make(map[string]inbox.Admission)
			if channel != "" {
				var out struct {
					Deliveries map[string]inbox.Admission `json:"deliveries"`
				}
				if _, err := c.do(cmd.Context(), http.MethodPost, "/v1/channels/"+url.PathEscape(channel)+"/stimuli", body, &out); err != nil {
					return err
				}
				results = out.Deliveries
			} else {
				for _, to := range strings.Split(args[0], ",") {
					to = strings.TrimSpace(to)
					if to == "" {
						continue
					}
					var adm inbox.Admission
					if _, err := c.do(cmd.Context(), http.MethodPost, "/v1/agents/"+url.PathEscape(to)+"/messages", body, &adm); err != nil {
						return fmt.Errorf("%s: %w", to, err)
					}
					results[to] = adm
				}
			}
			return a.reportSend(results)
		},
	}
	cmd.Flags().StringVar(&server, "server", envOr("PERSONA_SERVER", "http://localhost:8080"), "server URL")
	cmd.Flags().StringVar(&source, "from", envOr("USER", "cli"), "source ID")
	cmd.Flags().StringVar(&channel, "channel", "", "broadcast on this channel")
	cmd.Flags().StringVar(&domain, "domain", "chat", "message domain")
	cmd.Flags().Float64Var(&priority, "priority", 0.5, "priority in [0,1]")
	cmd.Flags().StringVar(&ttl, "ttl", "", "expire after this duration")
	return cmd
}

func (a *app) reportSend(results map[string]inbox.Admission) error {
	admitted := 0
	for _, adm := range results {
		if adm.Outcome.Admitted() {
			admitted++
		}
	}
	if a.jsonOut {
		a.printJSON(map[string]any{"results": results, "admitted": admitted})
	} else {
		ids := make([]string, 0, len(results))
		for id := range results {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		if len(ids) == 0 {
			a.printf("no recipients\n")
		}
		for _, id := range ids {
			adm := results[id]
			if adm.Reason != "" {
				a.printf("  %-15s %s (%s)\n", id, adm.Outcome, adm.Reason)
			} else {
				a.printf("  %-15s %s\n", id, adm.Outcome)
			}
		}
	}
	if admitted == 0 {
		return &exitCodeError{code: exitNotAdmitted, err: fmt.Errorf("message not admitted")}
	}
	return nil
}
