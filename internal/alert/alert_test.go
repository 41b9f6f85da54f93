package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"exec_reconciler/internal/core"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                   {}
func (nopLogger) Info(string, ...interface{})                    {}
func (nopLogger) Warn(string, ...interface{})                    {}
func (nopLogger) Error(string, ...interface{})                   {}
func (nopLogger) Fatal(string, ...interface{})                   {}
func (nopLogger) WithField(string, interface{}) core.ILogger     { return nopLogger{} }
func (nopLogger) WithFields(map[string]interface{}) core.ILogger { return nopLogger{} }

// captureChannel records deliveries on a channel so tests can wait for the
// async fan-out without sleeping.
type captureChannel struct {
	name      string
	delivered chan AlertPayload
	err       error
	inspect   func(ctx context.Context)
}

func newCaptureChannel(name string) *captureChannel {
	return &captureChannel{name: name, delivered: make(chan AlertPayload, 4)}
}

func (c *captureChannel) Name() string { return c.name }

func (c *captureChannel) Send(ctx context.Context, alert AlertPayload) error {
	if c.inspect != nil {
		c.inspect(ctx)
	}
	c.delivered <- alert
	return c.err
}

func receiveAlert(t *testing.T, ch *captureChannel) AlertPayload {
	t.Helper()
	select {
	case p := <-ch.delivered:
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery on %s", ch.name)
		return AlertPayload{}
	}
}

func TestAlertManager_FanOut(t *testing.T) {
	am := NewAlertManager(nopLogger{})
	slack := newCaptureChannel("slack")
	telegram := newCaptureChannel("telegram")
	am.AddChannel(slack)
	am.AddChannel(telegram)

	am.Alert(context.Background(), "Corrections applied", "3 order records corrected from venue state", Warning,
		map[string]string{"account_id": "ACC-001", "corrected": "3"})

	for _, ch := range []*captureChannel{slack, telegram} {
		got := receiveAlert(t, ch)
		if got.Title != "Corrections applied" {
			t.Errorf("%s title = %q", ch.name, got.Title)
		}
		if got.Level != Warning {
			t.Errorf("%s level = %s, want WARNING", ch.name, got.Level)
		}
		if got.Fields["account_id"] != "ACC-001" {
			t.Errorf("%s account_id = %q", ch.name, got.Fields["account_id"])
		}
		if got.Timestamp.IsZero() {
			t.Errorf("%s timestamp not set", ch.name)
		}
	}
}

func TestAlertManager_DeliveryOutlivesCallerContext(t *testing.T) {
	am := NewAlertManager(nopLogger{})
	ch := newCaptureChannel("slack")
	ctxErr := make(chan error, 1)
	ch.inspect = func(ctx context.Context) {
		// Give the caller time to cancel before checking.
		time.Sleep(50 * time.Millisecond)
		ctxErr <- ctx.Err()
	}
	am.AddChannel(ch)

	ctx, cancel := context.WithCancel(context.Background())
	am.Alert(ctx, "Reconciliation halted", "position divergence exceeds halt threshold", Critical,
		map[string]string{"account_id": "ACC-001"})
	cancel()

	select {
	case err := <-ctxErr:
		if err != nil {
			t.Fatalf("delivery context cancelled with caller: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	receiveAlert(t, ch)
}

func TestAlertManager_FailingChannelDoesNotStopOthers(t *testing.T) {
	am := NewAlertManager(nopLogger{})
	failing := newCaptureChannel("webhook")
	failing.err = errors.New("connection refused")
	healthy := newCaptureChannel("telegram")
	am.AddChannel(failing)
	am.AddChannel(healthy)

	am.Alert(context.Background(), "Venue poll failing", "snapshot errors for 3 consecutive cycles", Error, nil)

	receiveAlert(t, failing)
	got := receiveAlert(t, healthy)
	if got.Level != Error {
		t.Errorf("level = %s, want ERROR", got.Level)
	}
}
