package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/daviddao/persona/internal/config"
	"github.com/daviddao/persona/internal/logging"
	"github.com/daviddao/persona/pkg/model"
	"github.com/daviddao/persona/pkg/store"
)

// app holds shared state for all CLI subcommands. Config, logger and
// ledger are opened on first use so that commands which need none of
// them (init, version) never touch the disk.
type app struct {
	cfgPath string
	jsonOut bool
	verbose bool
	out     io.Writer

	cfg    *config.Config
	logger *zap.Logger
	ledger *store.Store
}

// config loads the configuration once.
func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	return cfg, nil
}

// log builds the logger from the loaded configuration.
func (a *app) log() (*zap.Logger, error) {
	if a.logger != nil {
		return a.logger, nil
	}
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	l, err := logging.New(cfg.Log, a.verbose)
	if err != nil {
		return nil, err
	}
	a.logger = l
	return l, nil
}

// openLedger opens the SQLite ledger named by the configuration.
func (a *app) openLedger(opts ...store.Option) (*store.Store, error) {
	if a.ledger != nil {
		return a.ledger, nil
	}
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	s, err := store.New(cfg.DBPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("cannot open database %q: %w", cfg.DBPath, err)
	}
	a.ledger = s
	return s, nil
}

// Close releases the ledger and flushes the logger.
func (a *app) Close() {
	if a.ledger != nil {
		a.ledger.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// printJSON writes v as indented JSON.
func (a *app) printJSON(v any) {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

// agentPresence classifies an agent by how recently it persisted state.
//   - "online"  seen within 2 minutes
//   - "idle"    seen within 10 minutes
//   - "offline" not seen for 10+ minutes
func agentPresence(ag model.Agent, now time.Time) string {
	since := now.Sub(ag.LastSeen)
	switch {
	case since < 2*time.Minute:
		return "online"
	case since < 10*time.Minute:
		return "idle"
	default:
		return "offline"
	}
}

// presenceIndicator returns a short text indicator for display.
func presenceIndicator(presence string) string {
	switch presence {
	case "online":
		return "[+]"
	case "idle":
		return "[~]"
	default:
		return "[-]"
	}
}

// energyBar renders energy in [0,1] as a ten-cell bar.
func energyBar(e float64) string {
	n := int(e*10 + 0.5)
	n = max(0, min(10, n))
	bar := make([]rune, 10)
	for i := range bar {
		if i < n {
			bar[i] = '#'
		} else {
			bar[i] = '.'
		}
	}
	return string(bar)
}
