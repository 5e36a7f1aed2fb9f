package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/collabtext/syncengine/hlc"
	"github.com/collabtext/syncengine/store"
)

// fanoutMessage is the payload published to the Redis channel. InstanceID
// lets every subscriber ignore its own publications (an echo guard), the
// same role the node-id filter plays in the wire protocol itself.
type fanoutMessage struct {
	InstanceID string   `json:"instance_id"`
	HLC        string   `json:"hlc"`
	Tables     []string `json:"tables"`
}

// FanoutStore wraps a store.Store so that local change events are also
// published to a Redis channel, and events published by sibling server
// processes sharing the same store are folded back into every
// subscription's event stream. This is what lets the "server-authored
// broadcast" scenario (spec §8 scenario 3) scale across more than one
// server instance: a write committed against instance A becomes visible
// to a client connected to instance B.
//
// Without a Redis client, a registry's Store behaves exactly as spec
// §4.5 describes — FanoutStore is additive, never required.
type FanoutStore struct {
	store.Store
	rdb        *redis.Client
	channel    string
	instanceID string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[*fanoutSub]struct{}
}

// NewFanoutStore wraps underlying with Redis-backed cross-instance
// fan-out over the given channel name.
func NewFanoutStore(underlying store.Store, rdb *redis.Client, channelName string) (*FanoutStore, error) {
	pubSub, err := underlying.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("fanout: subscribe to underlying store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	fs := &FanoutStore{
		Store:      underlying,
		rdb:        rdb,
		channel:    channelName,
		instanceID: store.NewNodeID(),
		ctx:        ctx,
		cancel:     cancel,
		listeners:  make(map[*fanoutSub]struct{}),
	}

	go fs.publishLoop(pubSub)
	go fs.subscribeLoop()
	return fs, nil
}

// Close stops the publish/subscribe goroutines. It does not close the
// underlying store.
func (fs *FanoutStore) Close() {
	fs.cancel()
}

func (fs *FanoutStore) publishLoop(sub store.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-fs.ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			msg := fanoutMessage{InstanceID: fs.instanceID, HLC: ev.HLC.String(), Tables: tableSlice(ev.Tables)}
			b, err := json.Marshal(msg)
			if err != nil {
				log.Printf("registry: fanout marshal error: %v", err)
				continue
			}
			if err := fs.rdb.Publish(fs.ctx, fs.channel, b).Err(); err != nil {
				log.Printf("registry: fanout publish error: %v", err)
			}
		}
	}
}

func (fs *FanoutStore) subscribeLoop() {
	pubsub := fs.rdb.Subscribe(fs.ctx, fs.channel)
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-fs.ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var msg fanoutMessage
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				log.Printf("registry: fanout decode error: %v", err)
				continue
			}
			if msg.InstanceID == fs.instanceID {
				continue // our own publication, already delivered locally
			}
			h, err := hlc.Parse(msg.HLC)
			if err != nil {
				log.Printf("registry: fanout malformed hlc %q: %v", msg.HLC, err)
				continue
			}
			tables := make(map[string]struct{}, len(msg.Tables))
			for _, t := range msg.Tables {
				tables[t] = struct{}{}
			}
			fs.broadcast(store.ChangeEvent{HLC: h, Tables: tables})
		}
	}
}

func (fs *FanoutStore) broadcast(ev store.ChangeEvent) {
	fs.mu.Lock()
	subs := make([]*fanoutSub, 0, len(fs.listeners))
	for s := range fs.listeners {
		subs = append(subs, s)
	}
	fs.mu.Unlock()

	for _, s := range subs {
		select {
		case s.events <- ev:
		default:
		}
	}
}

// Subscribe overrides the embedded store.Store's Subscribe, merging the
// underlying store's own local events with events relayed from sibling
// instances over Redis. Each call opens its own independent local
// subscription, per spec §4.2's "each Session gets its own independent
// subscription".
func (fs *FanoutStore) Subscribe() (store.Subscription, error) {
	local, err := fs.Store.Subscribe()
	if err != nil {
		return nil, err
	}

	s := &fanoutSub{
		events: make(chan store.ChangeEvent, 64),
		local:  local,
		fs:     fs,
	}

	fs.mu.Lock()
	fs.listeners[s] = struct{}{}
	fs.mu.Unlock()

	go s.forwardLocal()
	return s, nil
}

type fanoutSub struct {
	events chan store.ChangeEvent
	local  store.Subscription
	fs     *FanoutStore
	once   sync.Once
}

func (s *fanoutSub) forwardLocal() {
	for ev := range s.local.Events() {
		select {
		case s.events <- ev:
		default:
		}
	}
}

func (s *fanoutSub) Events() <-chan store.ChangeEvent { return s.events }

func (s *fanoutSub) Close() {
	s.once.Do(func() {
		s.local.Close()
		s.fs.mu.Lock()
		delete(s.fs.listeners, s)
		s.fs.mu.Unlock()
	})
}

func tableSlice(tables map[string]struct{}) []string {
	out := make([]string, 0, len(tables))
	for t := range tables {
		out = append(out, t)
	}
	return out
}
