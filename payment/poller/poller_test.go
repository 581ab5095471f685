package poller_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"cafe-pos/payment/poller"
	"cafe-pos/payment/reconcile"

	"go.uber.org/zap"
)

type fakeSource struct {
	pending []string
	paid    map[string]bool
	err     error
	asked   [][]string
	since   time.Time
}

func (f *fakeSource) PendingFingerprints(ctx context.Context, since time.Time) ([]string, error) {
	f.since = since
	return f.pending, nil
}

func (f *fakeSource) CheckBatch(ctx context.Context, md5s []string) ([]reconcile.CheckOutcome, error) {
	f.asked = append(f.asked, md5s)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]reconcile.CheckOutcome, 0, len(md5s))
	for _, m := range md5s {
		out = append(out, reconcile.CheckOutcome{MD5: m, Paid: f.paid[m]})
	}
	return out, nil
}

type fakeOutbox struct{ flushed int }

func (f *fakeOutbox) Flush(ctx context.Context, limit int) (int, error) {
	f.flushed++
	return 1, nil
}

func TestRunOnce(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{pending: []string{"a", "b"}, paid: map[string]bool{"a": true}}
	box := &fakeOutbox{}
	p := poller.New(src, box, 5*time.Second, 10, zap.NewNop())
	p.Now = func() time.Time { return now }

	r, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Checked != 2 || r.Paid != 1 || r.Published != 1 {
		t.Errorf("unexpected round %+v", r)
	}

	// a is paid and gone from pending; b is backed off
	src.pending = []string{"b"}
	r, _ = p.RunOnce(context.Background())
	if r.Checked != 0 {
		t.Error("Expected b to be backed off, got", r)
	}

	now = now.Add(5 * time.Second)
	r, _ = p.RunOnce(context.Background())
	if r.Checked != 1 {
		t.Error("Expected b to be due again, got", r)
	}
	if box.flushed != 3 {
		t.Error("Expected outbox flushed every round, got", box.flushed)
	}
}

func TestRunOnceGatewayDown(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{pending: []string{"a"}, err: errors.New("gateway down")}
	p := poller.New(src, nil, 5*time.Second, 10, zap.NewNop())
	p.Now = func() time.Time { return now }

	if _, err := p.RunOnce(context.Background()); err == nil {
		t.Error("Expected gateway error")
	}
	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Error("Expected nothing due while backed off, got", err)
	}
	if len(src.asked) != 1 {
		t.Error("Expected one gateway call, got", len(src.asked))
	}
}

func TestRunOnceRotatesPastBatch(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{pending: []string{"a", "b", "c", "d", "e"}}
	p := poller.New(src, nil, 5*time.Second, 2, zap.NewNop())
	p.Now = func() time.Time { return now }

	seen := map[string]int{}
	for i := 0; i < 3; i++ {
		r, err := p.RunOnce(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if r.Checked > 2 {
			t.Errorf("round %d checked %d, batch is 2", i, r.Checked)
		}
		for _, md5 := range src.asked[i] {
			seen[md5]++
		}
	}
	for _, md5 := range src.pending {
		if seen[md5] != 1 {
			t.Errorf("Expected %s checked once in three rounds, got %d", md5, seen[md5])
		}
	}
	if want := now.Add(-poller.DefaultMaxAge); !src.since.Equal(want) {
		t.Errorf("Expected cutoff %v, got %v", want, src.since)
	}
}
