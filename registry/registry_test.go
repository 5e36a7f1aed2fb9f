package registry

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/collabtext/syncengine/channel/ws"
	"github.com/collabtext/syncengine/session"
	"github.com/collabtext/syncengine/store"
)

func TestServerRegistersAndUnregistersSessions(t *testing.T) {
	st := store.NewMemory("S")
	srv := NewServer(st, Options{})
	httpSrv := httptest.NewServer(srv.Router())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"

	conn, err := ws.Dial(wsURL, ws.Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	clientStore := store.NewMemory("C")
	connected := make(chan struct{}, 1)
	client, err := session.New(session.Config{
		Store:    clientStore,
		Channel:  conn,
		IsClient: true,
		OnConnect: func(string, any) {
			connected <- struct{}{}
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Start(ctx)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}

	waitForCount(t, srv, 1)
	if peers := srv.Peers(); len(peers) != 1 || peers[0] != "C" {
		t.Fatalf("expected peers [C], got %v", peers)
	}

	srv.Disconnect("C", 1000, "bye")
	waitForCount(t, srv, 0)
}

// TestServerBroadcastsToBothClientsWithoutDuplicationOrSelfEcho covers the
// two-client broadcast scenario: a server-authored write is delivered to
// every connected client exactly once, and never back to its own author.
func TestServerBroadcastsToBothClientsWithoutDuplicationOrSelfEcho(t *testing.T) {
	serverStore := store.NewMemory("S")
	srv := NewServer(serverStore, Options{})
	httpSrv := httptest.NewServer(srv.Router())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"

	type client struct {
		store     *store.Memory
		receivedN atomic.Int32
	}

	startClient := func(nodeID string) *client {
		conn, err := ws.Dial(wsURL, ws.Options{})
		if err != nil {
			t.Fatalf("dial %s: %v", nodeID, err)
		}
		c := &client{store: store.NewMemory(nodeID)}
		connected := make(chan struct{}, 1)
		sess, err := session.New(session.Config{
			Store:    c.store,
			Channel:  conn,
			IsClient: true,
			OnConnect: func(string, any) {
				select {
				case connected <- struct{}{}:
				default:
				}
			},
			OnChangesetReceived: func(_ string, counts map[string]int) {
				c.receivedN.Add(int32(counts["notes"]))
			},
		})
		if err != nil {
			t.Fatalf("session.New(%s): %v", nodeID, err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go sess.Start(ctx)
		select {
		case <-connected:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s never connected", nodeID)
		}
		return c
	}

	c1 := startClient("C1")
	c2 := startClient("C2")
	waitForCount(t, srv, 2)

	if _, err := serverStore.LocalWrite(context.Background(), "notes", store.Record{"id": "r2", "text": "broadcast"}); err != nil {
		t.Fatalf("LocalWrite: %v", err)
	}

	clients := map[string]*client{"C1": c1, "C2": c2}
	for nodeID, c := range clients {
		deadline := time.After(2 * time.Second)
		for c.receivedN.Load() < 1 {
			select {
			case <-deadline:
				t.Fatalf("%s never received the broadcast row", nodeID)
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	// Give any wrongly-duplicated delivery a chance to land before asserting
	// the final count stays at exactly one.
	time.Sleep(50 * time.Millisecond)

	for nodeID, c := range clients {
		if n := c.receivedN.Load(); n != 1 {
			t.Fatalf("%s received %d notes rows, want exactly 1 (no duplication)", nodeID, n)
		}
		cs, err := c.store.GetChangeset(context.Background(), store.ChangesetQuery{})
		if err != nil {
			t.Fatalf("%s GetChangeset: %v", nodeID, err)
		}
		rows := cs["notes"]
		if len(rows) != 1 || rows[0]["id"] != "r2" {
			t.Fatalf("%s store = %v, want exactly [r2]", nodeID, rows)
		}
		if rows[0].NodeID() == nodeID {
			t.Fatalf("%s received a record authored by itself: %v", nodeID, rows[0])
		}
	}
}

func waitForCount(t *testing.T, srv *Server, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if srv.ClientCount() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("ClientCount never reached %d (last was %d)", want, srv.ClientCount())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
