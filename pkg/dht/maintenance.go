package dht

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSweepSchedule runs the expiry and liveness sweeps every 30 seconds.
const DefaultSweepSchedule = "@every 30s"

// Maintenance runs CleanByExpiryTime and CleanByLiveness on a cron schedule
// until stopped.
type Maintenance struct {
	dht *DHT
	c   *cron.Cron
}

// StartMaintenance validates schedule, wires the sweep job onto a new cron
// scheduler and starts it. The returned Maintenance must be stopped with
// Stop when the server shuts down.
func StartMaintenance(ctx context.Context, d *DHT, schedule string) (*Maintenance, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid dht sweep schedule %q: %w", schedule, err)
	}

	log := zerolog.Ctx(ctx)

	c := cron.New()

	_, err := c.AddFunc(schedule, func() {
		now := time.Now()

		d.CleanByExpiryTime(now)
		d.CleanByLiveness()

		log.Debug().Int("entries", d.Len()).Msg("dht maintenance sweep completed")
	})
	if err != nil {
		return nil, fmt.Errorf("error scheduling dht maintenance sweep: %w", err)
	}

	c.Start()

	return &Maintenance{dht: d, c: c}, nil
}

// Stop halts the scheduler and waits for any in-flight sweep to finish.
func (m *Maintenance) Stop() {
	ctx := m.c.Stop()
	<-ctx.Done()
}
