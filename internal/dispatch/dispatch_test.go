package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pitwatch/sentinel/internal/clockid"
	"github.com/pitwatch/sentinel/pkg/model"
)

type fakePublisher struct {
	publishErr  error
	lastTopic   string
	lastPayload []byte
	retained    bool
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	f.lastTopic, f.lastPayload, f.retained = topic, payload, false
	return f.publishErr
}

func (f *fakePublisher) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	f.lastTopic, f.lastPayload, f.retained = topic, payload, true
	return f.publishErr
}

type fakeCommandStore struct {
	nextID     int64
	createErr  error
	sentCalled bool
	failedCalled bool
}

func (f *fakeCommandStore) CreateCommand(ctx context.Context, c model.Command) (int64, error) {
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.nextID++
	return f.nextID, nil
}

func (f *fakeCommandStore) SetCommandSent(ctx context.Context, id int64, now time.Time) error {
	f.sentCalled = true
	return nil
}

func (f *fakeCommandStore) SetCommandFailed(ctx context.Context, id int64) error {
	f.failedCalled = true
	return nil
}

func newTestDispatcher(pub *fakePublisher, st *fakeCommandStore) *Dispatcher {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(pub, st, clockid.RealClock{}, logger)
}

func TestSendPublishSuccessMarksSent(t *testing.T) {
	pub := &fakePublisher{}
	st := &fakeCommandStore{}
	d := newTestDispatcher(pub, st)

	reason := "License expired"
	cmd, err := d.Send(context.Background(), 7, "ESP32-AAAA", model.CommandDisable, &reason, nil, nil)
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if cmd.Status != model.CommandStatusSent {
		t.Fatalf("status = %q, want sent", cmd.Status)
	}
	if !st.sentCalled {
		t.Fatal("expected SetCommandSent to be called")
	}
	if pub.lastTopic != "workshop/7/device/ESP32-AAAA/command" {
		t.Fatalf("unexpected topic: %q", pub.lastTopic)
	}
}

func TestSendPublishFailureMarksFailed(t *testing.T) {
	pub := &fakePublisher{publishErr: errors.New("broker down")}
	st := &fakeCommandStore{}
	d := newTestDispatcher(pub, st)

	cmd, err := d.Send(context.Background(), 7, "ESP32-AAAA", model.CommandDisable, nil, nil, nil)
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if cmd.Status != model.CommandStatusFailed {
		t.Fatalf("status = %q, want failed", cmd.Status)
	}
	if !st.failedCalled {
		t.Fatal("expected SetCommandFailed to be called")
	}
}

func TestSendPersistenceFailureDoesNotPublish(t *testing.T) {
	pub := &fakePublisher{}
	st := &fakeCommandStore{createErr: errors.New("db down")}
	d := newTestDispatcher(pub, st)

	_, err := d.Send(context.Background(), 7, "ESP32-AAAA", model.CommandDisable, nil, nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if pub.lastTopic != "" {
		t.Fatal("expected no publish on persistence failure")
	}
}

func TestProvisioningConfigIsRetained(t *testing.T) {
	pub := &fakePublisher{}
	st := &fakeCommandStore{}
	d := newTestDispatcher(pub, st)

	if err := d.ProvisioningConfig(context.Background(), "ESP32-AAAA", "LIC-AAAA-BBBB-CCCC", 7, nil); err != nil {
		t.Fatalf("ProvisioningConfig returned error: %v", err)
	}
	if !pub.retained {
		t.Fatal("expected retained publish")
	}
	if pub.lastTopic != "provisioning/ESP32-AAAA/config" {
		t.Fatalf("unexpected topic: %q", pub.lastTopic)
	}
}
