package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daviddao/persona/internal/config"
	"github.com/daviddao/persona/pkg/arbiter"
	"github.com/daviddao/persona/pkg/hub"
	"github.com/daviddao/persona/pkg/inbox"
	"github.com/daviddao/persona/pkg/model"
	"github.com/daviddao/persona/pkg/store"
)

type simOptions struct {
	Duration time.Duration
	Stimuli  int
	Agents   int
	Seed     uint64
	Record   bool
}

// simReport summarises one simulation run.
type simReport struct {
	Duration   time.Duration         `json:"duration"`
	Stimuli    int                   `json:"stimuli"`
	Admissions map[inbox.Outcome]int `json:"admissions"`
	Arbiter    arbiter.Stats         `json:"arbiter"`
	Agents     []hub.AgentView       `json:"agents"`
	Channels   map[string][]string   `json:"channels"`
}

func newSimulateCmd(a *app) *cobra.Command {
	var o simOptions
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the configured agents against a synthetic stimulus stream",
		Long: `Run the configured agents in memory with the simulated executor and
broadcast a seeded stream of stimuli over their channels, then print what
each agent did. Use --record to journal the run into the ledger.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			rep, err := a.simulate(ctx, o)
			if err != nil {
				return err
			}
			a.printSimReport(rep)
			return nil
		},
	}
	cmd.Flags().DurationVar(&o.Duration, "duration", 15*time.Second, "how long to run")
	cmd.Flags().IntVar(&o.Stimuli, "stimuli", 20, "number of stimuli to broadcast")
	cmd.Flags().IntVar(&o.Agents, "agents", 0, "replace the configured agents with N generated ones")
	cmd.Flags().Uint64Var(&o.Seed, "seed", 1, "stimulus and executor seed")
	cmd.Flags().BoolVar(&o.Record, "record", false, "journal the run into the ledger")
	return cmd
}

var simTopics = []string{"deploy", "review", "tests", "infra", "lunch", "docs"}

// generatedAgents returns n agents on the general channel with rotating
// interests.
func generatedAgents(n int) []hub.AgentSpec {
	out := make([]hub.AgentSpec, n)
	for i := range out {
		out[i] = hub.AgentSpec{
			ID:        fmt.Sprintf("agent-%02d", i+1),
			Channels:  []string{"general"},
			Interests: []string{simTopics[i%len(simTopics)]},
		}
	}
	return out
}

func (a *app) simulate(ctx context.Context, o simOptions) (*simReport, error) {
	if o.Duration <= 0 {
		return nil, fmt.Errorf("duration must be positive")
	}
	base, err := a.config()
	if err != nil {
		return nil, err
	}
	logger, err := a.log()
	if err != nil {
		return nil, err
	}

	cfg := *base
	cfg.RedisURL = ""
	cfg.Executor.Kind = config.ExecutorSimulated
	cfg.Executor.Simulated.Seed = o.Seed
	if o.Agents > 0 {
		cfg.Agents = generatedAgents(o.Agents)
	}

	clk := clockwork.NewRealClock()
	var ledger *store.Store
	if o.Record {
		if ledger, err = a.openLedger(store.WithClock(clk)); err != nil {
			return nil, err
		}
	}
	rt, err := buildRuntime(ctx, &cfg, ledger, clk, logger)
	if err != nil {
		return nil, err
	}
	defer rt.Close()

	channels := make(map[string][]string)
	for _, spec := range cfg.Agents {
		for _, ch := range spec.Channels {
			channels[ch] = append(channels[ch], spec.ID)
		}
	}
	names := make([]string, 0, len(channels))
	for ch := range channels {
		names = append(names, ch)
	}
	slices.Sort(names)

	rep := &simReport{
		Duration:   o.Duration,
		Admissions: make(map[inbox.Outcome]int),
		Channels:   channels,
	}

	runCtx, cancel := context.WithTimeout(ctx, o.Duration)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return rt.hub.Run(gctx) })
	if len(names) > 0 && o.Stimuli > 0 {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(o.Seed, o.Seed+1))
			// Inject during the first half so the tail of the run drains.
			every := o.Duration / time.Duration(2*o.Stimuli)
			for i := range o.Stimuli {
				if i > 0 {
					select {
					case <-gctx.Done():
						return nil
					case <-clk.After(every):
					}
				}
				topic := simTopics[rng.IntN(len(simTopics))]
				payload, _ := json.Marshal(map[string]string{"text": fmt.Sprintf("%s #%d", topic, i+1)})
				msg := model.Message{
					SourceID: fmt.Sprintf("user-%d", i%8),
					Domain:   model.DomainChat,
					Priority: 0.3 + 0.7*rng.Float64(),
					Payload:  payload,
				}
				out, err := rt.hub.Broadcast(gctx, names[rng.IntN(len(names))], msg)
				if err != nil {
					logger.Warn("broadcast", zap.Error(err))
				}
				rep.Stimuli++
				for _, adm := range out {
					rep.Admissions[adm.Outcome]++
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rep.Arbiter = rt.hub.Arbiter().Stats()
	rep.Agents = rt.hub.Agents()
	return rep, nil
}

func (a *app) printSimReport(rep *simReport) {
	if a.jsonOut {
		a.printJSON(rep)
		return
	}
	a.printf("simulated %s: %s stimuli, %s deliveries\n",
		rep.Duration, humanize.Comma(int64(rep.Stimuli)), humanize.Comma(int64(sumAdmissions(rep.Admissions))))
	for _, o := range []inbox.Outcome{inbox.OutcomeAccepted, inbox.OutcomeEvicted, inbox.OutcomeShed, inbox.OutcomeDuplicate, inbox.OutcomeRateLimited} {
		if n := rep.Admissions[o]; n > 0 {
			a.printf("  %-12s %d\n", o, n)
		}
	}
	a.printf("claims: won=%d yielded=%d completed=%d expired=%d\n",
		rep.Arbiter.Won, rep.Arbiter.Yielded, rep.Arbiter.Completed, rep.Arbiter.Expired)
	a.printf("agents:\n")
	for _, v := range rep.Agents {
		a.printf("  %-12s %-10s energy=%s %.2f executed=%-3d failed=%-3d poisoned=%-2d rests=%-3d won=%-3d yielded=%-3d queued=%d\n",
			v.ID, v.State.Mood, energyBar(v.State.Energy), v.State.Energy,
			v.Loop.Executed, v.Loop.Failed, v.Loop.Poisoned, v.Loop.Rests, v.Loop.Won, v.Loop.Yielded, v.Inbox.Depth)
	}
}

func sumAdmissions(m map[inbox.Outcome]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
