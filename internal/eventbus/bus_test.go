package eventbus

import (
	"context"
	"log"
	"testing"
	"time"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := New()
	defer bus.Shutdown()

	sub := SubscribeTo(bus, Runtime.Status)
	defer sub.Close()

	Publish(context.Background(), bus, Runtime.Status, SourceRuntimeManager, RuntimeStatusEvent{
		WorkspaceID: "ws-1",
		Status:      RuntimeStarting,
	})

	select {
	case env := <-sub.C():
		if env.Payload.WorkspaceID != "ws-1" {
			t.Fatalf("unexpected workspace id %q", env.Payload.WorkspaceID)
		}
		if env.Payload.Status != RuntimeStarting {
			t.Fatalf("unexpected status %q", env.Payload.Status)
		}
		if env.Source != SourceRuntimeManager {
			t.Fatalf("unexpected source %q", env.Source)
		}
		if env.Timestamp.IsZero() {
			t.Fatal("expected timestamp to be stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishNilBusIsNoOp(t *testing.T) {
	// Must not panic.
	Publish(context.Background(), nil, App.State, SourceCoordinator, AppStateEvent{})
}

func TestSubscribeNilBusReturnsClosedChannel(t *testing.T) {
	sub := SubscribeTo[AppStateEvent](nil, App.State)
	defer sub.Close()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("expected closed channel from nil bus")
		}
	case <-time.After(time.Second):
		t.Fatal("channel should be closed immediately")
	}
}

func TestTypedSubscriptionSkipsMismatchedPayloads(t *testing.T) {
	bus := New()
	defer bus.Shutdown()

	sub := SubscribeTo(bus, Tunnel.Status)
	defer sub.Close()

	// Raw publish with the wrong payload type on the same topic.
	bus.publish(context.Background(), Envelope{
		Topic:   TopicTunnelStatus,
		Source:  SourceTunnelManager,
		Payload: "not a tunnel event",
	})
	Publish(context.Background(), bus, Tunnel.Status, SourceTunnelManager, TunnelStatusEvent{
		WorkspaceID: "ws-2",
		Status:      TunnelRunning,
		PublicURL:   "https://example.trycloudflare.com",
	})

	select {
	case env := <-sub.C():
		if env.Payload.WorkspaceID != "ws-2" {
			t.Fatalf("expected typed event, got %+v", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for typed event")
	}
}

func TestDropOldestWhenBufferFull(t *testing.T) {
	bus := New(WithTopicBuffer(TopicAppState, 1), WithLogger(log.New(discardWriter{}, "", 0)))
	defer bus.Shutdown()

	sub := bus.Subscribe(TopicAppState, WithSubscriptionName("slow-observer"))
	defer sub.Close()

	ctx := context.Background()
	bus.publish(ctx, Envelope{Topic: TopicAppState, Payload: 1})
	bus.publish(ctx, Envelope{Topic: TopicAppState, Payload: 2})

	env := <-sub.C()
	if env.Payload != 2 {
		t.Fatalf("expected newest event to survive, got %v", env.Payload)
	}
	if sub.dropped.Load() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", sub.dropped.Load())
	}
}

func TestShutdownClosesSubscriptions(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(TopicRuntimeStatus)

	bus.Shutdown()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("expected channel closed after shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after shutdown")
	}

	// Closing again must be safe.
	sub.Close()
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
