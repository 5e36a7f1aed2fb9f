// Command collab-client runs the client side of the sync engine: a local
// bbolt-backed store kept in sync with a server over a reconnecting
// websocket, following the same os.Getenv configuration convention as
// the teacher's agent/main.go.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	boltdb "go.etcd.io/bbolt"

	"github.com/collabtext/syncengine/channel"
	"github.com/collabtext/syncengine/channel/ws"
	"github.com/collabtext/syncengine/discovery"
	"github.com/collabtext/syncengine/reconnect"
	"github.com/collabtext/syncengine/session"
	"github.com/collabtext/syncengine/store"
	"github.com/collabtext/syncengine/store/bolt"
	"github.com/collabtext/syncengine/wire"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	dbPath := getenv("BOLT_PATH", "collab-client.db")
	db, err := boltdb.Open(dbPath, 0600, &boltdb.Options{Timeout: 2 * time.Second})
	if err != nil {
		log.Fatalf("collab-client: unable to open %s: %v", dbPath, err)
	}
	defer db.Close()

	nodeID := getenv("NODE_ID", store.NewNodeID())
	primaryKeys := parsePrimaryKeys(getenv("SYNC_TABLES", "notes:id"))

	st, err := bolt.Open(bolt.Config{DB: db, NodeID: nodeID, PrimaryKey: primaryKeys})
	if err != nil {
		log.Fatalf("collab-client: unable to open store: %v", err)
	}

	serverURL := resolveServerURL()

	dial := func(ctx context.Context) (channel.Channel, error) {
		return ws.Dial(serverURL, ws.Options{PingInterval: 20 * time.Second})
	}

	ctrl := reconnect.New(dial, session.Config{
		Store: st,
		Codec: wire.Codec{},
	}, reconnect.Hooks{
		OnConnect: func(remoteNodeID string, data any) {
			log.Printf("collab-client: connected to %s", remoteNodeID)
		},
		OnDisconnect: func(remoteNodeID string, code int, reason string) {
			log.Printf("collab-client: disconnected from %s (%d %s)", remoteNodeID, code, reason)
		},
		OnStateChange: func(s reconnect.State) {
			log.Printf("collab-client: state -> %s", s)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl.Connect(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("collab-client: shutting down")
	ctrl.Disconnect(1000, "client shutdown")
}

// resolveServerURL uses SERVER_URL directly if set, otherwise browses for
// a peer over mDNS for up to 5 seconds and connects to the first one
// found — the client-side analogue of the teacher's startDiscovery.
func resolveServerURL() string {
	if url := os.Getenv("SERVER_URL"); url != "" {
		return url
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	peers, err := discovery.Browse(ctx, discovery.DefaultService, "")
	if err != nil {
		log.Fatalf("collab-client: no SERVER_URL set and mDNS browse failed: %v", err)
	}
	select {
	case p, ok := <-peers:
		if !ok || len(p.AddrIPv4) == 0 {
			log.Fatal("collab-client: no SERVER_URL set and mDNS discovery found no peers")
		}
		return "ws://" + p.AddrIPv4[0] + ":" + strconv.Itoa(p.Port) + "/ws"
	case <-ctx.Done():
		log.Fatal("collab-client: no SERVER_URL set and mDNS discovery timed out")
	}
	return ""
}

func parsePrimaryKeys(spec string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		pk := "id"
		if len(parts) == 2 {
			pk = parts[1]
		}
		out[parts[0]] = pk
	}
	return out
}
