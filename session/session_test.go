package session

import (
	"context"
	"testing"
	"time"

	"github.com/collabtext/syncengine/channel"
	"github.com/collabtext/syncengine/store"
	"github.com/collabtext/syncengine/wire"
)

// pair wires a client Session and a server Session over an in-memory Pipe,
// each backed by its own store.Memory, and starts both.
type pair struct {
	t            *testing.T
	clientStore  *store.Memory
	serverStore  *store.Memory
	client       *Session
	server       *Session
	clientEvents *hookRecorder
	serverEvents *hookRecorder
	cancel       context.CancelFunc
}

type hookRecorder struct {
	connected    chan struct{}
	disconnected chan channel.CloseInfo
	sent         chan map[string]int
	received     chan map[string]int
}

func newHookRecorder() *hookRecorder {
	return &hookRecorder{
		connected:    make(chan struct{}, 1),
		disconnected: make(chan channel.CloseInfo, 1),
		sent:         make(chan map[string]int, 16),
		received:     make(chan map[string]int, 16),
	}
}

func newPair(t *testing.T, clientNodeID, serverNodeID string) *pair {
	t.Helper()
	clientStore := store.NewMemory(clientNodeID)
	serverStore := store.NewMemory(serverNodeID)
	clientCh, serverCh := channel.NewPipePair()

	clientHooks := newHookRecorder()
	serverHooks := newHookRecorder()

	client, err := New(Config{
		Store:    clientStore,
		Channel:  clientCh,
		IsClient: true,
		Codec:    wire.Codec{},
		OnConnect: func(remoteNodeID string, data any) {
			select {
			case clientHooks.connected <- struct{}{}:
			default:
			}
		},
		OnDisconnect: func(remoteNodeID string, code int, reason string) {
			clientHooks.disconnected <- channel.CloseInfo{Code: code, Reason: reason}
		},
		OnChangesetSent: func(peerID string, counts map[string]int) {
			clientHooks.sent <- counts
		},
		OnChangesetReceived: func(peerID string, counts map[string]int) {
			clientHooks.received <- counts
		},
	})
	if err != nil {
		t.Fatalf("client session: %v", err)
	}

	server, err := New(Config{
		Store:    serverStore,
		Channel:  serverCh,
		IsClient: false,
		Codec:    wire.Codec{},
		OnConnect: func(remoteNodeID string, data any) {
			select {
			case serverHooks.connected <- struct{}{}:
			default:
			}
		},
		OnDisconnect: func(remoteNodeID string, code int, reason string) {
			serverHooks.disconnected <- channel.CloseInfo{Code: code, Reason: reason}
		},
		OnChangesetSent: func(peerID string, counts map[string]int) {
			serverHooks.sent <- counts
		},
		OnChangesetReceived: func(peerID string, counts map[string]int) {
			serverHooks.received <- counts
		},
	})
	if err != nil {
		t.Fatalf("server session: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go server.Start(ctx)
	go client.Start(ctx)

	p := &pair{
		t: t, clientStore: clientStore, serverStore: serverStore,
		client: client, server: server,
		clientEvents: clientHooks, serverEvents: serverHooks,
		cancel: cancel,
	}
	p.awaitConnected()
	return p
}

func (p *pair) awaitConnected() {
	p.t.Helper()
	timeout := time.After(2 * time.Second)
	select {
	case <-p.clientEvents.connected:
	case <-timeout:
		p.t.Fatal("client never connected")
	}
	select {
	case <-p.serverEvents.connected:
	case <-timeout:
		p.t.Fatal("server never connected")
	}
}

func (p *pair) close() {
	p.cancel()
	p.client.Close(1000, "test done")
	p.server.Close(1000, "test done")
}

func drainNothingFor(t *testing.T, ch <-chan map[string]int, d time.Duration) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("expected no changeset event, got %v", got)
	case <-time.After(d):
	}
}

func awaitCounts(t *testing.T, ch <-chan map[string]int) map[string]int {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for changeset event")
		return nil
	}
}

// Scenario 1: empty handshake.
func TestEmptyHandshakeNoFrames(t *testing.T) {
	p := newPair(t, "C", "S")
	defer p.close()

	drainNothingFor(t, p.clientEvents.sent, 200*time.Millisecond)
	drainNothingFor(t, p.serverEvents.sent, 200*time.Millisecond)
}

// Scenario 2: client-only write is merged by the server, and the
// server's own per-client high-water mark advances to match.
func TestClientOnlyWritePropagates(t *testing.T) {
	p := newPair(t, "C", "S")
	defer p.close()

	h, err := p.clientStore.LocalWrite(context.Background(), "t", store.Record{"id": "u"})
	if err != nil {
		t.Fatal(err)
	}

	counts := awaitCounts(t, p.serverEvents.received)
	if counts["t"] != 1 {
		t.Fatalf("server should have received exactly 1 record in table t, got %v", counts)
	}

	got, err := p.serverStore.LastModified(context.Background(), store.OnlyNode("C"))
	if err != nil {
		t.Fatal(err)
	}
	// Only the time components are preserved across the node-id rewrite,
	// and LastModified filters by the record's node_id column (author),
	// not modified's rewritten node-id, so it should equal h's time.
	if got.Millis != h.Millis {
		t.Fatalf("server's lastModified(onlyNodeId=C) = %v, want millis matching %v", got, h)
	}
}

// Scenario 5: a server-side validator drops records that don't match an
// expected author field, silently.
func TestValidatorDropsRejectedRecords(t *testing.T) {
	clientStore := store.NewMemory("C")
	serverStore := store.NewMemory("S")
	clientCh, serverCh := channel.NewPipePair()

	received := make(chan map[string]int, 4)
	server, err := New(Config{
		Store:    serverStore,
		Channel:  serverCh,
		IsClient: false,
		Codec:    wire.Codec{},
		ValidateRecord: func(ctx context.Context, table string, rec store.Record) (bool, error) {
			author, _ := rec["author"].(string)
			return author == "C", nil
		},
		OnChangesetReceived: func(peerID string, counts map[string]int) {
			received <- counts
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	client, err := New(Config{Store: clientStore, Channel: clientCh, IsClient: true, Codec: wire.Codec{}})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Start(ctx)
	go client.Start(ctx)

	time.Sleep(100 * time.Millisecond) // let handshake settle

	clientStore.LocalWrite(ctx, "t", store.Record{"id": "good", "author": "C"})
	clientStore.LocalWrite(ctx, "t", store.Record{"id": "bad", "author": "X"})

	counts := awaitCounts(t, received)
	if counts["t"] != 1 {
		t.Fatalf("validator should have dropped the bad record, got counts %v", counts)
	}

	out, err := serverStore.GetChangeset(ctx, store.ChangesetQuery{Filter: store.OnlyNode("C")})
	if err != nil {
		t.Fatal(err)
	}
	if len(out["t"]) != 1 || out["t"][0]["id"] != "good" {
		t.Fatalf("server should only have merged the validated record, got %v", out)
	}
}

// Scenario: reconnect window — a peer that was offline during writes
// catches up on exactly the records it's missing, filtered by HWM.
func TestCatchUpAfterReconnectWindow(t *testing.T) {
	serverStore := store.NewMemory("S")
	ctx := context.Background()

	// Server writes two rows before any client connects.
	h1, _ := serverStore.LocalWrite(ctx, "t", store.Record{"id": "r1"})
	h2, _ := serverStore.LocalWrite(ctx, "t", store.Record{"id": "r2"})
	_ = h1

	clientStore := store.NewMemory("C")
	clientCh, serverCh := channel.NewPipePair()

	received := make(chan map[string]int, 4)
	client, err := New(Config{
		Store:    clientStore,
		Channel:  clientCh,
		IsClient: true,
		Codec:    wire.Codec{},
		OnChangesetReceived: func(peerID string, counts map[string]int) {
			received <- counts
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	server, err := New(Config{Store: serverStore, Channel: serverCh, IsClient: false, Codec: wire.Codec{}})
	if err != nil {
		t.Fatal(err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Start(cctx)
	go client.Start(cctx)

	counts := awaitCounts(t, received)
	if counts["t"] != 2 {
		t.Fatalf("client should catch up on both rows written while offline, got %v", counts)
	}

	out, err := clientStore.GetChangeset(cctx, store.ChangesetQuery{Filter: store.ExceptNode("C")})
	if err != nil {
		t.Fatal(err)
	}
	if len(out["t"]) != 2 {
		t.Fatalf("client should now hold both server rows, got %v", out)
	}
	_ = h2
}

// No self-echo: a server relays its own writes to the client, and a
// client's writes are never echoed back to it.
func TestNoSelfEcho(t *testing.T) {
	p := newPair(t, "C", "S")
	defer p.close()

	_, err := p.serverStore.LocalWrite(context.Background(), "t", store.Record{"id": "r"})
	if err != nil {
		t.Fatal(err)
	}
	counts := awaitCounts(t, p.clientEvents.received)
	if counts["t"] != 1 {
		t.Fatalf("client should receive the server's row, got %v", counts)
	}

	out, err := p.clientStore.GetChangeset(context.Background(), store.ChangesetQuery{Filter: store.OnlyNode("S")})
	if err != nil {
		t.Fatal(err)
	}
	if len(out["t"]) != 1 {
		t.Fatalf("client should hold exactly one server-authored row, got %v", out)
	}

	// The client's own write reaches the server but is never relayed back
	// to it: the server's role filter excludes the client's node id.
	if _, err := p.clientStore.LocalWrite(context.Background(), "t", store.Record{"id": "c"}); err != nil {
		t.Fatal(err)
	}
	counts = awaitCounts(t, p.serverEvents.received)
	if counts["t"] != 1 {
		t.Fatalf("server should receive the client's row, got %v", counts)
	}
	drainNothingFor(t, p.clientEvents.received, 200*time.Millisecond)
}
