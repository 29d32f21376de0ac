package cat

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/puzpuzpuz/xsync/v3"
)

// DegradationController auto-disables the Notice pattern for call sites
// that keep failing. A periodic task refreshes per-(class, method)
// failure counts from the repository over the finest configured window;
// the dispatcher consults Degraded before opening a new notice
// transaction.
type DegradationController struct {
	repo   Repository
	cfg    *Config
	log    hclog.Logger
	counts *xsync.MapOf[string, int64]

	stop chan struct{}
	done chan struct{}
}

// NewDegradationController builds the controller without starting its
// refresh loop.
func NewDegradationController(repo Repository, cfg *Config, log hclog.Logger) *DegradationController {
	return &DegradationController{
		repo:   repo,
		cfg:    cfg,
		log:    log.Named("degradation"),
		counts: xsync.NewMapOf[string, int64](),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the periodic refresh. With no window configured the
// controller stays inert and Degraded always reports false.
func (d *DegradationController) Start() {
	g, _ := d.cfg.granularity()
	if g == GranularityNone {
		close(d.done)
		return
	}
	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.cfg.NoticeScheduledDelay)
		defer ticker.Stop()
		for {
			select {
			case <-d.stop:
				return
			case <-ticker.C:
				if err := d.Refresh(context.Background()); err != nil {
					d.log.Error("failed to refresh degradation counters", "error", err)
				}
			}
		}
	}()
}

// Close stops the refresh loop.
func (d *DegradationController) Close() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	<-d.done
}

// Refresh reloads the failure counters from the repository. Exported so
// tests and operators can force a refresh.
func (d *DegradationController) Refresh(ctx context.Context) error {
	g, _ := d.cfg.granularity()
	if g == GranularityNone {
		return nil
	}
	window := d.window(g)
	failures, err := d.repo.CountFailuresSince(ctx, time.Now().Add(-window), g)
	if err != nil {
		return err
	}
	d.counts.Clear()
	for _, f := range failures {
		d.counts.Store(f.TargetClass+"#"+f.TargetMethod, f.Count)
	}
	return nil
}

// window scales the refresh delay into the granularity's unit, so a 3s
// delay counts over 3 seconds, 3 minutes or 3 hours depending on the
// active window.
func (d *DegradationController) window(g Granularity) time.Duration {
	units := int64(d.cfg.NoticeScheduledDelay / time.Second)
	if units < 1 {
		units = 1
	}
	return time.Duration(units) * g.Duration()
}

// Degraded reports whether the Notice pattern is currently disabled for a
// call site.
func (d *DegradationController) Degraded(targetClass, targetMethod string) bool {
	if d == nil || !d.cfg.Started {
		return false
	}
	g, threshold := d.cfg.granularity()
	if g == GranularityNone {
		return false
	}
	count, ok := d.counts.Load(targetClass + "#" + targetMethod)
	if !ok {
		return false
	}
	if count >= int64(threshold) {
		d.log.Info("notice degraded by failure window",
			"window", g.String(), "class", targetClass, "method", targetMethod, "count", count)
		return true
	}
	return false
}
