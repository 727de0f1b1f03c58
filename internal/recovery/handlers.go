package recovery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/NudgePipe/internal/messaging"
	"github.com/BTreeMap/NudgePipe/internal/store"
)

// RegisterJobHandlers registers the watchdog and sequencer job handlers with the runner.
func RegisterJobHandlers(runner messaging.HandlerRegistry, watchdog *Watchdog, sequencer *Sequencer) {
	runner.RegisterHandler(JobKindWatchdog, makeWatchdogHandler(watchdog))
	runner.RegisterHandler(JobKindSequencer, makeSequencerHandler(sequencer))
}

func makeWatchdogHandler(w *Watchdog) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var p WatchdogPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", JobKindWatchdog, err)
		}
		return w.OnCheckFires(ctx, p)
	}
}

func makeSequencerHandler(s *Sequencer) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var p SequencerPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", JobKindSequencer, err)
		}
		return s.Run(ctx, p)
	}
}
