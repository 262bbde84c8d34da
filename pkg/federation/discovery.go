package federation

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/arklabs/ark/pkg/log"
	"github.com/arklabs/ark/pkg/types"
)

// announceWindow bounds how far an announcement's produced_at may drift
// from local time. Anything outside is ignored; this filters stale packets
// and replays, not attackers — sync authentication is the security
// boundary.
const announceWindow = 5 * time.Minute

// Announcement is the multicast discovery beacon.
type Announcement struct {
	PeerID      string    `json:"peer_id"`
	EndpointURL string    `json:"endpoint_url"`
	PublicKey   []byte    `json:"public_key"`
	ProducedAt  time.Time `json:"produced_at"`
}

// Discovery broadcasts this peer's presence on a UDP multicast group and
// folds announcements from the local network into the registry.
type Discovery struct {
	registry *Registry
	group    string
	interval time.Duration

	listener *net.UDPConn
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewDiscovery creates a multicast discovery responder.
func NewDiscovery(registry *Registry, group string, interval time.Duration) *Discovery {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Discovery{
		registry: registry,
		group:    group,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start joins the multicast group and launches the announce and listen
// loops.
func (d *Discovery) Start() error {
	addr, err := net.ResolveUDPAddr("udp", d.group)
	if err != nil {
		return fmt.Errorf("invalid multicast group %q: %w", d.group, err)
	}

	listener, err := net.ListenMulticastUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("failed to join multicast group %s: %w", d.group, err)
	}
	d.listener = listener

	go d.listenLoop()
	go d.announceLoop(addr)
	return nil
}

// Stop leaves the group and halts both loops.
func (d *Discovery) Stop() {
	close(d.stopCh)
	if d.listener != nil {
		d.listener.Close()
	}
	<-d.doneCh
}

func (d *Discovery) announceLoop(addr *net.UDPAddr) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.announce(addr)
	for {
		select {
		case <-ticker.C:
			d.announce(addr)
		case <-d.stopCh:
			return
		}
	}
}

func (d *Discovery) announce(addr *net.UDPAddr) {
	self := d.registry.Self()
	payload, err := json.Marshal(Announcement{
		PeerID:      self.PeerID,
		EndpointURL: self.EndpointURL,
		PublicKey:   self.PublicKey,
		ProducedAt:  time.Now().UTC(),
	})
	if err != nil {
		return
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		log.WithComponent("discovery").Debug().Err(err).Msg("announce dial failed")
		return
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		log.WithComponent("discovery").Debug().Err(err).Msg("announce send failed")
	}
}

func (d *Discovery) listenLoop() {
	defer close(d.doneCh)

	buf := make([]byte, 4096)
	for {
		n, _, err := d.listener.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.stopCh:
				return
			default:
				log.WithComponent("discovery").Debug().Err(err).Msg("multicast read failed")
				continue
			}
		}
		d.handle(buf[:n])
	}
}

// handle folds one announcement into the registry. Self echoes and records
// outside the produced_at window are dropped.
func (d *Discovery) handle(packet []byte) {
	var ann Announcement
	if err := json.Unmarshal(packet, &ann); err != nil {
		return
	}
	if ann.PeerID == d.registry.Self().PeerID {
		return
	}
	if drift := time.Since(ann.ProducedAt); drift > announceWindow || drift < -announceWindow {
		log.WithPeerID(ann.PeerID).Debug().Msg("announcement outside time window, ignored")
		return
	}

	err := d.registry.Register(&types.PeerRecord{
		PeerID:      ann.PeerID,
		Role:        types.PeerRoleLocal,
		EndpointURL: ann.EndpointURL,
		PublicKey:   ann.PublicKey,
		LastSeen:    time.Now(),
		Reachable:   true,
	})
	if err != nil {
		log.WithPeerID(ann.PeerID).Warn().Err(err).Msg("announced peer rejected")
	}
}
