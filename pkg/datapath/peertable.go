package datapath

import (
	"time"

	"github.com/StefanGC1/peerbridge/pkg/pbcrypto"
)

// peerRecord is the datapath's private bookkeeping for one connected peer.
// Exclusively owned and mutated by the executor goroutine.
type peerRecord struct {
	publicIP     uint32
	publicPort   int
	secret       pbcrypto.SharedSecret
	lastActivity time.Time
	connected    bool
	// evictionArmed is set when a timeout has been observed and the 2s
	// grace eviction timer has been scheduled, to avoid arming it twice.
	evictionArmed bool
}

// peerTable holds the two consistent maps described in the connection
// record design (virtual IP to public IP, and public IP to record), plus a
// public IP to port index kept alongside them. All three are mutated only
// from the executor goroutine.
type peerTable struct {
	virtualToPublic map[uint32]uint32 // virtual IP -> public IP
	publicToPort    map[uint32]int    // public IP -> public UDP port (for reverse lookup without a struct copy)
	publicToRecord  map[uint32]*peerRecord
}

func newPeerTable() *peerTable {
	return &peerTable{
		virtualToPublic: make(map[uint32]uint32),
		publicToPort:    make(map[uint32]int),
		publicToRecord:  make(map[uint32]*peerRecord),
	}
}

// insert adds a peer under all three maps, consistently.
func (t *peerTable) insert(virtualIP, publicIP uint32, port int, secret pbcrypto.SharedSecret) {
	t.virtualToPublic[virtualIP] = publicIP
	t.publicToPort[publicIP] = port
	t.publicToRecord[publicIP] = &peerRecord{
		publicIP:     publicIP,
		publicPort:   port,
		secret:       secret,
		lastActivity: time.Now(),
	}
}

// removeByPublicIP removes the entry for publicIP from all three maps,
// zeroising its shared secret first. It is a no-op if the public IP is
// unknown.
func (t *peerTable) removeByPublicIP(publicIP uint32) {
	rec, ok := t.publicToRecord[publicIP]
	if !ok {
		return
	}
	rec.secret.Zero()
	delete(t.publicToRecord, publicIP)
	delete(t.publicToPort, publicIP)
	for vip, pub := range t.virtualToPublic {
		if pub == publicIP {
			delete(t.virtualToPublic, vip)
			break
		}
	}
}

// virtualIPFor reverse-looks-up the virtual IP owning publicIP.
func (t *peerTable) virtualIPFor(publicIP uint32) (uint32, bool) {
	for vip, pub := range t.virtualToPublic {
		if pub == publicIP {
			return vip, true
		}
	}
	return 0, false
}

// empty reports whether both maps have no entries, which is the signal for
// ALL_PEERS_DISCONNECTED.
func (t *peerTable) empty() bool {
	return len(t.virtualToPublic) == 0 && len(t.publicToRecord) == 0
}

// clear removes every peer, zeroising each shared secret.
func (t *peerTable) clear() {
	for _, rec := range t.publicToRecord {
		rec.secret.Zero()
	}
	t.virtualToPublic = make(map[uint32]uint32)
	t.publicToPort = make(map[uint32]int)
	t.publicToRecord = make(map[uint32]*peerRecord)
}
