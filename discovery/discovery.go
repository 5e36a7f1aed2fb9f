// Package discovery announces and browses for sync peers on the local
// network over mDNS, using github.com/grandcat/zeroconf — the same
// library and service-naming convention the teacher's agent uses in
// startDiscovery, generalized from a single 15-second browse into a
// long-lived Announce/Browse pair the caller controls via context.
package discovery

import (
	"context"
	"fmt"
	"os"

	"github.com/grandcat/zeroconf"
)

// DefaultService is the mDNS service type peers register and browse
// under, following the teacher's "_<app>._tcp" convention.
const DefaultService = "_crdt-sync._tcp"

const domain = "local."

// Peer is one discovered peer advertising DefaultService.
type Peer struct {
	Instance string
	Host     string
	AddrIPv4 []string
	Port     int
	NodeID   string // carried in the TXT record, set from Announce's nodeID arg
}

// Announce registers nodeID on the network under service, advertising
// port, until ctx is canceled. Mirrors the teacher's zeroconf.Register
// call, generalized to take the node id as a TXT record instead of the
// fixed "txtv=0, lo=1, la=2" the teacher hard-codes.
func Announce(ctx context.Context, service, nodeID string, port int) error {
	if service == "" {
		service = DefaultService
	}
	host, _ := os.Hostname()
	instance := fmt.Sprintf("crdt-sync-%s", host)
	server, err := zeroconf.Register(
		instance,
		service,
		domain,
		port,
		[]string{"node_id=" + nodeID},
		nil,
	)
	if err != nil {
		return fmt.Errorf("discovery: register: %w", err)
	}
	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()
	return nil
}

// Browse discovers peers advertising service, streaming each sighting on
// the returned channel until ctx is canceled. The teacher's startDiscovery
// only logs entries within a fixed 15s window; Browse instead runs for
// as long as the caller wants and excludes self by node id.
func Browse(ctx context.Context, service, selfNodeID string) (<-chan Peer, error) {
	if service == "" {
		service = DefaultService
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: new resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	out := make(chan Peer)

	go func() {
		defer close(out)
		for entry := range entries {
			p := Peer{
				Instance: entry.Instance,
				Host:     entry.HostName,
				Port:     entry.Port,
				NodeID:   txtNodeID(entry.Text),
			}
			for _, ip := range entry.AddrIPv4 {
				p.AddrIPv4 = append(p.AddrIPv4, ip.String())
			}
			if p.NodeID != "" && p.NodeID == selfNodeID {
				continue
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}
	return out, nil
}

func txtNodeID(txt []string) string {
	const prefix = "node_id="
	for _, entry := range txt {
		if len(entry) > len(prefix) && entry[:len(prefix)] == prefix {
			return entry[len(prefix):]
		}
	}
	return ""
}
