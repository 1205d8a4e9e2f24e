package settings

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"spot-core/pkg/logger"
)

type stubFetcher struct {
	snaps []Snapshot
	errs  []error
	calls int
}

func (s *stubFetcher) FetchAll(context.Context) (Snapshot, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return Snapshot{}, s.errs[i]
	}
	return s.snaps[i], nil
}

func snapWithThreshold(t float64) Snapshot {
	b := DefaultBot()
	b.Defaults.SignalThreshold = t
	return Snapshot{Bot: b}
}

func TestReloaderKeepsSnapshotOnFailure(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()

	f := &stubFetcher{
		snaps: []Snapshot{snapWithThreshold(0.5), {}, snapWithThreshold(0.7)},
		errs:  []error{nil, errors.New("db locked"), nil},
	}
	r := NewReloader(f, 0)

	var notified []float64
	r.OnChange(func(s Snapshot) { notified = append(notified, s.Bot.Defaults.SignalThreshold) })

	ctx := context.Background()
	if _, err := r.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := r.Reload(ctx); err == nil {
		t.Fatal("expected reload error")
	}
	if got := r.Current().Bot.Defaults.SignalThreshold; got != 0.5 {
		t.Fatalf("snapshot replaced after failed fetch: threshold=%v", got)
	}
	if r.Failures() != 1 {
		t.Fatalf("Failures = %d", r.Failures())
	}

	if err := r.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := r.Current().Bot.Defaults.SignalThreshold; got != 0.7 {
		t.Fatalf("threshold = %v, want 0.7", got)
	}
	if len(notified) != 2 || notified[0] != 0.5 || notified[1] != 0.7 {
		t.Fatalf("subscribers notified with %v", notified)
	}
}

func TestReloaderInitFailureIsFatal(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()

	r := NewReloader(&stubFetcher{errs: []error{errors.New("unreachable")}}, 0)
	if _, err := r.Init(context.Background()); err == nil {
		t.Fatal("expected init error")
	}
}
