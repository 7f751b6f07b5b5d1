package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var healthParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ValidateSchedule reports whether spec is a usable health check schedule.
// An empty spec is valid and disables checks.
func ValidateSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := healthParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid health check schedule %q: %w", spec, err)
	}
	return nil
}

// CheckHealth probes every registered provider concurrently.
func (r *Router) CheckHealth(ctx context.Context) map[string]bool {
	names := r.Providers()
	results := make(map[string]bool, len(names))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			up := r.TestConnection(ctx, name)
			if r.cfg.Observer != nil {
				r.cfg.Observer.ProviderHealth(name, up)
			}
			mu.Lock()
			results[name] = up
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return results
}

// StartHealthChecks runs CheckHealth on the given cron schedule until
// StopHealthChecks. An empty schedule is a no-op.
func (r *Router) StartHealthChecks(schedule string) error {
	if schedule == "" {
		return nil
	}
	if err := ValidateSchedule(schedule); err != nil {
		return err
	}

	r.cronMu.Lock()
	defer r.cronMu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("health checks already running")
	}

	c := cron.New(cron.WithParser(healthParser))
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RequestTimeout+5*time.Second)
		defer cancel()
		results := r.CheckHealth(ctx)
		down := 0
		for _, up := range results {
			if !up {
				down++
			}
		}
		r.logger.Debug("provider health checked", "providers", len(results), "down", down)
	})
	if err != nil {
		return fmt.Errorf("schedule health checks: %w", err)
	}
	c.Start()
	r.cron = c
	r.logger.Info("provider health checks scheduled", "schedule", schedule)
	return nil
}

// StopHealthChecks stops the scheduler and waits for a running check.
func (r *Router) StopHealthChecks() {
	r.cronMu.Lock()
	c := r.cron
	r.cron = nil
	r.cronMu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}
