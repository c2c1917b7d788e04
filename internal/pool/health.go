package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/kiroproxy/kiroproxy/internal/constant"
	"github.com/kiroproxy/kiroproxy/internal/store"
)

// recentCheckWindow skips accounts probed this recently unless forced.
const recentCheckWindow = 5 * time.Minute

// Prober runs one minimal upstream call against an account.
type Prober interface {
	Probe(ctx context.Context, acc store.Account, model string) (*UserInfo, error)
}

// HealthCheckOptions tunes one PerformHealthChecks run.
type HealthCheckOptions struct {
	Force       bool
	Concurrency int
	ProbeModel  string
}

// HealthCheckResult summarizes one run.
type HealthCheckResult struct {
	Checked   int
	Healthy   int
	Unhealthy int
	Skipped   int
}

// PerformHealthChecks probes every eligible account with bounded
// concurrency. An account already being checked is skipped, so overlapping
// runs never probe the same account twice.
func (p *Pool) PerformHealthChecks(ctx context.Context, prober Prober, opts HealthCheckOptions) HealthCheckResult {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.ProbeModel == "" {
		opts.ProbeModel = constant.DefaultProbeModel
	}

	var result HealthCheckResult
	sem := semaphore.NewWeighted(int64(opts.Concurrency))
	done := make(chan struct{})
	pending := 0

	for _, acc := range p.List() {
		if acc.Disabled {
			result.Skipped++
			continue
		}
		if !opts.Force && time.Since(acc.LastHealthCheckTime) < recentCheckWindow {
			result.Skipped++
			continue
		}

		p.mu.Lock()
		if p.checking[acc.ID] {
			p.mu.Unlock()
			result.Skipped++
			continue
		}
		p.checking[acc.ID] = true
		p.mu.Unlock()

		if err := sem.Acquire(ctx, 1); err != nil {
			p.mu.Lock()
			delete(p.checking, acc.ID)
			p.mu.Unlock()
			break
		}
		pending++
		result.Checked++

		go func(acc store.Account) {
			defer func() {
				sem.Release(1)
				p.mu.Lock()
				delete(p.checking, acc.ID)
				p.mu.Unlock()
				done <- struct{}{}
			}()
			p.checkOne(ctx, prober, acc, opts.ProbeModel)
		}(acc)
	}

	for i := 0; i < pending; i++ {
		<-done
	}

	for _, acc := range p.List() {
		if acc.Disabled {
			continue
		}
		if acc.Healthy {
			result.Healthy++
		} else {
			result.Unhealthy++
		}
	}
	log.Infof("health checks: %d probed, %d healthy, %d unhealthy, %d skipped",
		result.Checked, result.Healthy, result.Unhealthy, result.Skipped)
	return result
}

// CheckAccount force-probes a single account and records the result the same
// way a scheduled run would.
func (p *Pool) CheckAccount(ctx context.Context, prober Prober, id, model string) error {
	acc, ok := p.Get(id)
	if !ok {
		return fmt.Errorf("account %s not found", id)
	}
	if model == "" {
		model = constant.DefaultProbeModel
	}

	p.mu.Lock()
	if p.checking[id] {
		p.mu.Unlock()
		return errors.New("health check already in progress")
	}
	p.checking[id] = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.checking, id)
		p.mu.Unlock()
	}()

	p.checkOne(ctx, prober, acc, model)
	return nil
}

func (p *Pool) checkOne(ctx context.Context, prober Prober, acc store.Account, model string) {
	info, err := prober.Probe(ctx, acc, model)
	if err != nil {
		log.Warnf("health check failed for %s: %v", acc.ID, err)
		p.MarkUnhealthy(acc.ID, err)
		now := time.Now()
		if updErr := p.updateHealth(acc.ID, store.HealthUpdate{
			LastHealthCheckTime:  &now,
			LastHealthCheckModel: &model,
		}); updErr != nil {
			log.Errorf("record check time for %s: %v", acc.ID, updErr)
		}
		if recErr := p.st.RecordHealthCheck(acc.ID, false, model, err.Error()); recErr != nil {
			log.Errorf("record health check for %s: %v", acc.ID, recErr)
		}
		return
	}
	if err := p.MarkHealthy(acc.ID, MarkHealthyOptions{
		ResetUsageCount:  true,
		HealthCheckModel: model,
		UserInfo:         info,
	}); err != nil {
		log.Errorf("mark %s healthy: %v", acc.ID, err)
	}
	if recErr := p.st.RecordHealthCheck(acc.ID, true, model, ""); recErr != nil {
		log.Errorf("record health check for %s: %v", acc.ID, recErr)
	}
}
