package hub

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"speakeasy-server/internal/metrics"
)

func setupTestHub() {
	Setup(zap.NewNop().Sugar(), nil, true)
}

func receiveOne(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case event := <-sub.C():
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishReachesMatchingSubscriber(t *testing.T) {
	setupTestHub()

	sub := Subscribe("test", []string{"channel.*"}, 8)
	defer sub.Close()

	Publish(ChannelCreated, map[string]string{"name": "Lobby"})

	event := receiveOne(t, sub)
	if event.Topic != ChannelCreated {
		t.Errorf("got topic %q, want %q", event.Topic, ChannelCreated)
	}
}

func TestPublishSkipsNonMatchingSubscriber(t *testing.T) {
	setupTestHub()

	sub := Subscribe("test", []string{"media.*"}, 8)
	defer sub.Close()

	Publish(ChannelCreated, nil)

	select {
	case event := <-sub.C():
		t.Errorf("unexpected event %q for media.* subscriber", event.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExactTopicPattern(t *testing.T) {
	setupTestHub()

	sub := Subscribe("test", []string{ClientKicked}, 8)
	defer sub.Close()

	Publish(ClientJoinedChannel, nil)
	Publish(ClientKicked, nil)

	event := receiveOne(t, sub)
	if event.Topic != ClientKicked {
		t.Errorf("got topic %q, want %q", event.Topic, ClientKicked)
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	setupTestHub()
	metrics.Reset()

	sub := Subscribe("slow", []string{"client.*"}, 2)
	defer sub.Close()

	Publish(ClientConnected, 1)
	Publish(ClientConnected, 2)
	Publish(ClientConnected, 3)

	// oldest event was dropped; 2 and 3 remain in order
	first := receiveOne(t, sub)
	second := receiveOne(t, sub)
	if first.Payload != 2 || second.Payload != 3 {
		t.Errorf("expected payloads 2,3 after overflow, got %v,%v", first.Payload, second.Payload)
	}

	if metrics.Get("subscriber.lag") != 1 {
		t.Errorf("expected 1 subscriber.lag increment, got %d", metrics.Get("subscriber.lag"))
	}
}

func TestOrderPreservedPerPublisher(t *testing.T) {
	setupTestHub()

	sub := Subscribe("test", []string{"chat.*"}, 64)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		Publish(ChatMessageCreated, i)
	}

	for i := 0; i < 10; i++ {
		event := receiveOne(t, sub)
		if event.Payload != i {
			t.Fatalf("out of order: got %v at position %d", event.Payload, i)
		}
	}
}

func TestClosedSubscriptionIsRemoved(t *testing.T) {
	setupTestHub()

	sub := Subscribe("test", []string{"*"}, 8)
	sub.Close()

	// publishing after close must not panic
	Publish(ChannelCreated, nil)
}

func TestMirrorWhitelist(t *testing.T) {
	tests := []struct {
		topic    string
		mirrored bool
	}{
		{ChannelCreated, true},
		{ClientKicked, true},
		{PermissionChanged, true},
		{ChatMessageCreated, true},
		{PluginLoaded, true},
		{MediaFrame, false},
		{MediaDowngradeHint, false},
		{MediaKeyEpoch, false},
	}

	for _, tc := range tests {
		t.Run(tc.topic, func(t *testing.T) {
			if got := mirrorable(tc.topic); got != tc.mirrored {
				t.Errorf("mirrorable(%q) = %v, want %v", tc.topic, got, tc.mirrored)
			}
		})
	}
}
