// Package discovery advertises this node on the LAN and maintains the
// live set of reachable peers via mDNS.
//
// Every node registers a _agentmail._tcp.local. service carrying its
// identity keys in TXT properties and browses for the same type.
// Resolved peers are delivered to a registration callback; removals are
// advisory only — the cached peer record stays for later re-resolution.
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the mDNS service type for AgentMail nodes.
	ServiceType = "_agentmail._tcp"

	// ServiceDomain is the mDNS domain.
	ServiceDomain = "local."

	// TXTVersion is the advertised protocol version.
	TXTVersion = "0"

	// instanceIDLen is how many fingerprint characters go into the
	// advertised instance name.
	instanceIDLen = 8
)

// FoundPeer is a resolved LAN peer delivered to the registration callback.
type FoundPeer struct {
	NodeID        string
	NodeName      string
	Host          string
	Port          int
	Pubkey        string
	EncryptPubkey string
}

// Discovery advertises this node and browses for peers.
type Discovery struct {
	nodeID        string
	nodeName      string
	port          int
	pubkey        string
	encryptPubkey string

	onPeerFound   func(FoundPeer)
	onPeerRemoved func(instance string)

	server *zeroconf.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Discovery for the given node identity. Either callback
// may be nil.
func New(nodeID, nodeName string, port int, pubkey, encryptPubkey string,
	onPeerFound func(FoundPeer), onPeerRemoved func(instance string)) *Discovery {
	return &Discovery{
		nodeID:        nodeID,
		nodeName:      nodeName,
		port:          port,
		pubkey:        pubkey,
		encryptPubkey: encryptPubkey,
		onPeerFound:   onPeerFound,
		onPeerRemoved: onPeerRemoved,
	}
}

// InstanceName returns the advertised service instance name:
// "<node_name>-<fingerprint_prefix>". mDNS resolves name collisions by
// renaming, so the prefix keeps instances distinct up front.
func (d *Discovery) InstanceName() string {
	id := d.nodeID
	if len(id) > instanceIDLen {
		id = id[:instanceIDLen]
	}
	return fmt.Sprintf("%s-%s", d.nodeName, id)
}

// Start registers the service and begins browsing. It returns once
// advertisement is up; browsing continues until Stop. The service is
// advertised on the primary IPv4 address so multi-homed hosts publish
// the address they actually route from.
func (d *Discovery) Start() error {
	txt := []string{
		"node_id=" + d.nodeID,
		"node_name=" + d.nodeName,
		"pubkey=" + d.pubkey,
		"encrypt_pubkey=" + d.encryptPubkey,
		"v=" + TXTVersion,
	}

	host := LocalIP()
	server, err := zeroconf.RegisterProxy(d.InstanceName(), ServiceType, ServiceDomain, d.port,
		d.nodeName, []string{host}, txt, nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	d.server = server
	log.Printf("[Discovery] advertising as %s.%s.%s at %s:%d", d.InstanceName(), ServiceType, ServiceDomain, host, d.port)

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		d.server.Shutdown()
		return fmt.Errorf("create mdns resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	entries := make(chan *zeroconf.ServiceEntry, 16)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.browseLoop(ctx, entries)
	}()

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		cancel()
		d.server.Shutdown()
		return fmt.Errorf("browse mdns: %w", err)
	}
	log.Printf("[Discovery] browsing for peers")
	return nil
}

func (d *Discovery) browseLoop(ctx context.Context, entries <-chan *zeroconf.ServiceEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			d.handleEntry(entry)
		}
	}
}

func (d *Discovery) handleEntry(entry *zeroconf.ServiceEntry) {
	// A goodbye record (TTL 0) is an advisory removal.
	if entry.TTL == 0 {
		if d.onPeerRemoved != nil {
			d.onPeerRemoved(entry.Instance)
		}
		return
	}

	props := ParseTXT(entry.Text)
	nodeID := props["node_id"]

	// Never register ourselves; delivering to our own inbox over HTTP
	// would loop.
	if nodeID == "" || nodeID == d.nodeID {
		return
	}

	host := pickAddress(entry)
	if host == "" {
		log.Printf("[Discovery] no address for %s, dropping (a later refresh will retry)", entry.Instance)
		return
	}

	peer := FoundPeer{
		NodeID:        nodeID,
		NodeName:      props["node_name"],
		Host:          host,
		Port:          entry.Port,
		Pubkey:        props["pubkey"],
		EncryptPubkey: props["encrypt_pubkey"],
	}
	if peer.NodeName == "" {
		peer.NodeName = "unknown"
	}
	log.Printf("[Discovery] found peer %s at %s:%d", peer.NodeName, peer.Host, peer.Port)
	if d.onPeerFound != nil {
		d.onPeerFound(peer)
	}
}

func pickAddress(entry *zeroconf.ServiceEntry) string {
	if len(entry.AddrIPv4) > 0 {
		return entry.AddrIPv4[0].String()
	}
	if len(entry.AddrIPv6) > 0 {
		return entry.AddrIPv6[0].String()
	}
	return ""
}

// Stop unregisters the service and stops browsing.
func (d *Discovery) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.server != nil {
		d.server.Shutdown()
	}
	d.wg.Wait()
	log.Printf("[Discovery] stopped")
}

// ParseTXT converts mDNS TXT records ("key=value") into a map. Records
// without "=" are kept with an empty value.
func ParseTXT(records []string) map[string]string {
	props := make(map[string]string, len(records))
	for _, rec := range records {
		if k, v, ok := strings.Cut(rec, "="); ok {
			props[k] = v
		} else if rec != "" {
			props[rec] = ""
		}
	}
	return props
}

// LocalIP determines the primary IPv4 address by opening a UDP socket
// toward a routable address. Connect-only UDP sends no packet; the local
// endpoint of the socket is the address the OS would route from. Falls
// back to loopback when the network is unavailable.
func LocalIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
