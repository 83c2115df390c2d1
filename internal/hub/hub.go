// Package hub is the in-process event bus. Components publish typed events
// onto string-keyed topics (channel.*, client.*, permission.*, media.*,
// plugin.*, chat.*); subscribers receive them on bounded queues. Delivery
// is at-least-once inside the process and ordered per publisher.
//
// In networked mode a whitelisted subset of topics is mirrored through
// redis pub/sub so several server instances observe each other's
// control-plane changes. Media events are never mirrored.
package hub

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"speakeasy-server/internal/metrics"
)

const mirrorChannel = "speakeasy:events"

// topics with these prefixes cross process boundaries
var mirrorPrefixes = []string{"channel.", "client.", "permission.", "server.", "plugin.", "chat."}

type Event struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

type Subscription struct {
	name     string
	patterns []string
	ch       chan Event
	closed   bool
	mutex    sync.Mutex
}

// C is the receive side of the subscription queue.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	subsMutex.Lock()
	for i := range subs {
		if subs[i] == s {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			break
		}
	}
	subsMutex.Unlock()

	close(s.ch)
}

// deliver enqueues without ever blocking the publisher. A full queue drops
// the oldest event for this subscriber and counts the lag.
func (s *Subscription) deliver(event Event) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return
	}

	for {
		select {
		case s.ch <- event:
			return
		default:
		}
		select {
		case <-s.ch:
			metrics.Inc("subscriber.lag")
			sugar.Warnf("Subscriber [%s] lagging, dropped oldest event", s.name)
		default:
		}
	}
}

var subs []*Subscription
var subsMutex sync.RWMutex

var sugar *zap.SugaredLogger
var redisClient *redis.Client
var redisCtx = context.Background()
var selfContained = true

// originID distinguishes our own mirrored events from other instances'.
var originID = uuid.NewString()

func Setup(_sugar *zap.SugaredLogger, _redisClient *redis.Client, _selfContained bool) {
	sugar = _sugar
	redisClient = _redisClient
	selfContained = _selfContained

	if !selfContained {
		go mirrorLoop()
	}
}

// Subscribe registers a queue of the given depth for topics matching any
// of the patterns. A pattern is either an exact topic or a "prefix.*".
func Subscribe(name string, patterns []string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{
		name:     name,
		patterns: patterns,
		ch:       make(chan Event, buffer),
	}

	subsMutex.Lock()
	subs = append(subs, sub)
	subsMutex.Unlock()

	return sub
}

func topicMatches(pattern string, topic string) bool {
	if pattern == topic || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return false
}

func (s *Subscription) matches(topic string) bool {
	for _, pattern := range s.patterns {
		if topicMatches(pattern, topic) {
			return true
		}
	}
	return false
}

// Publish fans the event out to every matching local subscriber and, when
// the topic is whitelisted and redis is configured, mirrors it.
func Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}
	publishLocal(event)

	if selfContained || !mirrorable(topic) {
		return
	}

	payloadJson, err := json.Marshal(payload)
	if err != nil {
		sugar.Error(err)
		return
	}
	bytes, err := json.Marshal(mirrorFrame{Origin: originID, Topic: topic, Payload: payloadJson})
	if err != nil {
		sugar.Error(err)
		return
	}
	if err := redisClient.Publish(redisCtx, mirrorChannel, bytes).Err(); err != nil {
		metrics.Inc("bus.mirror_errors")
		sugar.Error(err)
	}
}

func publishLocal(event Event) {
	metrics.Inc("bus.published")

	subsMutex.RLock()
	matched := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		if sub.matches(event.Topic) {
			matched = append(matched, sub)
		}
	}
	subsMutex.RUnlock()

	for _, sub := range matched {
		sub.deliver(event)
	}
}

func mirrorable(topic string) bool {
	for _, prefix := range mirrorPrefixes {
		if strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	return false
}

type mirrorFrame struct {
	Origin  string          `json:"origin"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// mirrorLoop re-injects events published by other instances. Our own
// frames are skipped so mirrored events never loop.
func mirrorLoop() {
	pubsub := redisClient.Subscribe(redisCtx, mirrorChannel)
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		var frame mirrorFrame
		if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
			sugar.Error(err)
			continue
		}
		if frame.Origin == originID {
			continue
		}
		publishLocal(Event{Topic: frame.Topic, Payload: frame.Payload})
	}
}
