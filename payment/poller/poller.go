// Background reconciliation: batch-check pending KHQR fingerprints and relay
// unpublished staff notifications.

package poller

import (
	"context"
	"time"

	"cafe-pos/payment/reconcile"

	"go.uber.org/zap"
)

type Source interface {
	// PendingFingerprints lists every unpaid fingerprint issued at or after since.
	PendingFingerprints(ctx context.Context, since time.Time) ([]string, error)
	CheckBatch(ctx context.Context, md5s []string) ([]reconcile.CheckOutcome, error)
}

type Outbox interface {
	Flush(ctx context.Context, limit int) (int, error)
}

// DefaultMaxAge is how long an unpaid QR keeps being polled.
const DefaultMaxAge = 24 * time.Hour

type Poller struct {
	src      Source
	outbox   Outbox
	sched    *Schedule
	interval time.Duration
	batch    int
	log      *zap.Logger
	MaxAge   time.Duration
	Now      func() time.Time
}

func New(src Source, outbox Outbox, interval time.Duration, batch int, log *zap.Logger) *Poller {
	return &Poller{
		src:      src,
		outbox:   outbox,
		sched:    NewSchedule(interval, 5*time.Minute),
		interval: interval,
		batch:    batch,
		log:      log,
		MaxAge:   DefaultMaxAge,
		Now:      time.Now,
	}
}

// Run polls every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.log.Info("poller started", zap.Duration("interval", p.interval), zap.Int("batch", p.batch))
	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller stopped")
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				p.log.Warn("poll round failed", zap.Error(err))
			}
		}
	}
}

type Round struct {
	Checked   int `json:"checked"`
	Paid      int `json:"paid"`
	Failed    int `json:"failed"`
	Published int `json:"published"`
}

// RunOnce performs a single poll round. Every pending fingerprint younger than
// MaxAge is tracked and at most batch of the due ones are checked. Fingerprints
// that stay unpaid or fail are backed off; paid ones leave the schedule.
func (p *Poller) RunOnce(ctx context.Context) (Round, error) {
	var r Round
	now := p.Now()

	pending, err := p.src.PendingFingerprints(ctx, now.Add(-p.MaxAge))
	if err != nil {
		return r, err
	}
	keep := make(map[string]bool, len(pending))
	for _, md5 := range pending {
		keep[md5] = true
		p.sched.Track(md5, now)
	}
	p.sched.Retain(keep)

	if due := p.sched.Due(now, p.batch); len(due) > 0 {
		results, err := p.src.CheckBatch(ctx, due)
		if err != nil {
			for _, md5 := range due {
				p.sched.Backoff(md5, now)
			}
			return r, err
		}
		r.Checked = len(results)
		for _, res := range results {
			switch {
			case res.Error != "":
				r.Failed++
				p.sched.Backoff(res.MD5, now)
				p.log.Warn("poll apply failed", zap.String("md5", res.MD5), zap.String("error", res.Error))
			case res.Paid:
				r.Paid++
				p.sched.Remove(res.MD5)
			default:
				p.sched.Backoff(res.MD5, now)
			}
		}
	}

	if p.outbox != nil {
		n, err := p.outbox.Flush(ctx, p.batch)
		r.Published = n
		if err != nil {
			return r, err
		}
	}
	if r.Checked > 0 || r.Published > 0 {
		p.log.Debug("poll round", zap.Int("checked", r.Checked), zap.Int("paid", r.Paid), zap.Int("published", r.Published))
	}
	return r, nil
}
