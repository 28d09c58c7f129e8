package core

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"ttyhub/internal/state"
	"ttyhub/internal/store"
)

// EventSetupTokensPruned is emitted when a maintenance sweep removes expired
// setup tokens.
const EventSetupTokensPruned = "setup-tokens-pruned"

// Maintenance sweeps expired setup tokens out of the state file on a
// schedule. The schedule is either a Go duration ("1h") or a daily time
// ("daily@03:30").
type Maintenance struct {
	schedule string
	bus      *Bus
	store    *store.Store
	log      *slog.Logger
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewMaintenance(schedule string, bus *Bus, st *store.Store, log *slog.Logger) *Maintenance {
	return &Maintenance{
		schedule: schedule,
		bus:      bus,
		store:    st,
		log:      log,
	}
}

func (m *Maintenance) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run(ctx)
	m.log.Info("maintenance started", "schedule", m.schedule)
}

func (m *Maintenance) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.log.Info("maintenance stopped")
}

func (m *Maintenance) run(ctx context.Context) {
	defer m.wg.Done()

	if strings.Contains(m.schedule, "@") {
		m.runDaily(ctx)
	} else {
		m.runInterval(ctx)
	}
}

func (m *Maintenance) runDaily(ctx context.Context) {
	hour, min, err := parseDailySchedule(m.schedule)
	if err != nil {
		m.log.Error("invalid daily schedule", "schedule", m.schedule, "error", err)
		return
	}

	m.log.Info("scheduled daily sweep", "time", fmt.Sprintf("%02d:%02d", hour, min))

	for {
		next := nextDailyRun(hour, min)
		m.log.Debug("next sweep", "at", next)

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			m.Sweep()
		}
	}
}

func (m *Maintenance) runInterval(ctx context.Context) {
	d, err := time.ParseDuration(m.schedule)
	if err != nil {
		m.log.Error("invalid interval schedule", "schedule", m.schedule, "error", err)
		return
	}

	m.log.Info("scheduled interval sweep", "every", d)

	ticker := time.NewTicker(d)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep removes expired setup tokens under the state lock and reports how
// many were dropped.
func (m *Maintenance) Sweep() int {
	var pruned int
	err := m.store.WithLock(func(cur *state.AuthState) (*state.AuthState, error) {
		if cur == nil {
			return nil, nil
		}
		next, n := cur.PruneExpiredTokens(time.Now().UnixMilli())
		pruned = n
		if n == 0 {
			return nil, nil
		}
		return &next, nil
	})
	if err != nil {
		m.log.Error("maintenance sweep failed", "error", err)
		return 0
	}
	if pruned > 0 {
		m.log.Info("expired setup tokens pruned", "count", pruned)
		m.bus.Emit(Event{Kind: EventSetupTokensPruned, Timestamp: time.Now()})
	}
	return pruned
}

// parseDailySchedule extracts hours and minutes from a "daily@HH:MM" string.
func parseDailySchedule(schedule string) (int, int, error) {
	parts := strings.SplitN(schedule, "@", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected daily@HH:MM, got %q", schedule)
	}
	timeParts := strings.SplitN(parts[1], ":", 2)
	if len(timeParts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", parts[1])
	}
	hour, err := strconv.Atoi(timeParts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid hour: %w", err)
	}
	min, err := strconv.Atoi(timeParts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid minute: %w", err)
	}
	if hour < 0 || hour > 23 || min < 0 || min > 59 {
		return 0, 0, fmt.Errorf("time out of range: %02d:%02d", hour, min)
	}
	return hour, min, nil
}

// nextDailyRun returns the next occurrence of the given hour:minute in local time.
func nextDailyRun(hour, min int) time.Time {
	now := time.Now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, min, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
