package firewall

import (
	"context"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/gammazero/workerpool"
	"github.com/go-co-op/gocron/v2"

	"github.com/Infinibay/backend-sub001/internal/models"
)

// Reconciler re-derives hypervisor state from the relational store. The
// store is authoritative; a flush that failed, a node reboot, or an operator
// poking at virsh all leave the hypervisor behind, and this job converges it
// again by redefining every active filter. There is no rollback path in the
// other direction.
type Reconciler struct {
	svc      *Service
	interval time.Duration
	workers  int

	scheduler gocron.Scheduler
}

func NewReconciler(svc *Service, interval time.Duration, workers int) *Reconciler {
	if workers < 1 {
		workers = 1
	}
	return &Reconciler{svc: svc, interval: interval, workers: workers}
}

// Start waits for the hypervisor to become reachable, runs one full
// reconciliation, and then schedules the periodic job. An interval of zero
// disables the schedule; the boot-time pass still runs.
func (r *Reconciler) Start(ctx context.Context) error {
	probe := func() error {
		conn, err := r.svc.hv.Open(ctx)
		if err != nil {
			log.WithError(err).Warn("hypervisor not reachable yet, retrying")
			return err
		}
		return conn.Close()
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(probe, backoff.WithContext(bo, ctx)); err != nil {
		return errors.Wrap(err, "firewall: hypervisor did not become reachable")
	}

	r.ReconcileAll(ctx)

	if r.interval <= 0 {
		return nil
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "firewall: failed to create reconcile scheduler")
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(func() { r.ReconcileAll(ctx) }),
	); err != nil {
		return errors.Wrap(err, "firewall: failed to schedule reconcile job")
	}
	scheduler.Start()
	r.scheduler = scheduler
	return nil
}

// Stop shuts the periodic job down. In-flight flushes finish.
func (r *Reconciler) Stop() {
	if r.scheduler != nil {
		if err := r.scheduler.Shutdown(); err != nil {
			log.WithError(err).Warn("reconcile scheduler did not shut down cleanly")
		}
	}
}

// ReconcileAll redefines every active rule set's filter through a bounded
// worker pool. Individual failures are already logged by Flush; the summary
// here is what an operator greps for after a node restart.
func (r *Reconciler) ReconcileAll(ctx context.Context) {
	var ruleSets []models.RuleSet
	if err := r.svc.db.Where("is_active = ?", true).Find(&ruleSets).Error; err != nil {
		log.WithError(err).Error("failed to load rule sets for reconciliation")
		return
	}
	if len(ruleSets) == 0 {
		log.Debug("no active rule sets to reconcile")
		return
	}

	wp := workerpool.New(r.workers)
	results := make(chan bool, len(ruleSets))
	for _, rs := range ruleSets {
		id := rs.ID
		wp.Submit(func() {
			results <- r.svc.Flush(ctx, id, true)
		})
	}
	wp.StopWait()
	close(results)

	synced := 0
	for ok := range results {
		if ok {
			synced++
		}
	}
	log.WithFields(log.Fields{
		"total":  len(ruleSets),
		"synced": synced,
		"failed": len(ruleSets) - synced,
	}).Info("reconciled filters against hypervisor")
}
