package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	xerrors "basilisk-escrow/internal/errors"
	"basilisk-escrow/internal/escrow"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []Event
	got    chan struct{}
}

func (c *captureNotifier) Channel() Channel { return "capture" }

func (c *captureNotifier) Notify(_ context.Context, event Event) error {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	c.got <- struct{}{}
	return nil
}

type countingObserver struct{ ops, relays int }

func (c *countingObserver) ObserveOperation(escrow.Operation, error, time.Duration) { c.ops++ }
func (c *countingObserver) ObserveRelay(int, error)                                 { c.relays++ }

func TestObserverAlertsOnInternalErrorsWithCooldown(t *testing.T) {
	capture := &captureNotifier{got: make(chan struct{}, 8)}
	next := &countingObserver{}
	obs := NewObserver(next, NewFanout(capture), time.Minute)
	now := time.Unix(1_700_000_000, 0)
	obs.now = func() time.Time { return now }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go obs.Run(ctx)

	storage := xerrors.Wrap(xerrors.CodeStorageFailure, errors.New("disk full"), "写入任务失败", xerrors.WithMetadata("job_id", "job-1"))
	obs.ObserveOperation(escrow.OpCreateJob, escrow.ErrZeroAmount, time.Millisecond)
	obs.ObserveOperation(escrow.OpCreateJob, storage, time.Millisecond)
	obs.ObserveOperation(escrow.OpCreateJob, storage, time.Millisecond)
	obs.ObserveRelay(2, errors.New("broker down"))

	for i := 0; i < 2; i++ {
		select {
		case <-capture.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected alert %d", i)
		}
	}
	select {
	case <-capture.got:
		t.Fatalf("unexpected extra alert")
	case <-time.After(50 * time.Millisecond):
	}

	capture.mu.Lock()
	defer capture.mu.Unlock()
	if capture.events[0].Code != xerrors.CodeStorageFailure || capture.events[0].Metadata["job_id"] != "job-1" {
		t.Fatalf("unexpected storage alert %+v", capture.events[0])
	}
	if capture.events[1].Code != xerrors.CodePublishFailure || capture.events[1].Metadata["events"] != "2" {
		t.Fatalf("unexpected relay alert %+v", capture.events[1])
	}
	if next.ops != 3 || next.relays != 1 {
		t.Fatalf("wrapped observer not called: %+v", next)
	}
}

func TestWebhookNotifier(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL}
	err := n.Notify(context.Background(), Event{Code: xerrors.CodeStorageFailure, Message: "boom", OccurredAt: time.Unix(1, 0)})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if received.Code != xerrors.CodeStorageFailure || received.Message != "boom" {
		t.Fatalf("unexpected payload %+v", received)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	if err := (&WebhookNotifier{URL: failing.URL}).Notify(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error for non-2xx response")
	}
	if err := (&WebhookNotifier{}).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unconfigured notifier should skip: %v", err)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	d := NewFanout(LogNotifier{}, failingNotifier{err: boom}, nil)
	if err := d.Notify(context.Background(), Event{Code: "X"}); !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	var nilFanout *FanoutDispatcher
	if err := nilFanout.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher: %v", err)
	}
}

type failingNotifier struct{ err error }

func (failingNotifier) Channel() Channel                      { return "failing" }
func (f failingNotifier) Notify(context.Context, Event) error { return f.err }
