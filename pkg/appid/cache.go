// Package appid implements the service-ID confidence cache and the
// detection orchestrator that drives candidate validators against it.
//
// Grounded on
// _examples/original_source/apps/snort-dpi-svc/src/dynamic-preprocessors/appid/service_plugins/service_base.c
// (state machine, threshold/weight constants, same-peer-IP detract
// reset) and fw_appid.h (candidate-service bookkeeping shape).
package appid

import (
	"net"
	"sync"
	"time"
)

// State is a position in the per-service confidence state machine.
type State int

const (
	StateNew State = iota
	StatePort
	StatePattern
	StateBruteForce
	StateValid
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StatePort:
		return "PORT"
	case StatePattern:
		return "PATTERN"
	case StateBruteForce:
		return "BRUTE_FORCE"
	case StateValid:
		return "VALID"
	default:
		return "UNKNOWN"
	}
}

// Confidence thresholds and weights, taken from service_base.c.
const (
	MaxValidCount               = 5
	InvalidClientThreshold      = 9
	DetractThreshold            = 3
	WeightFlowEndInconclusive   = 3 // in-process detection never finished before the flow ended
	WeightResponderIncompatible = 1 // the responder sent data incompatible with the candidate service
)

// MaxCandidateServices caps how many validators a single Detect call
// will try before giving up for this round.
const MaxCandidateServices = 10

// Key identifies one service-ID cache entry: a server endpoint at a
// given detection level (detection level 1 remaps TLS-tunnel ports
// before the key is built — see EffectivePort).
type Key struct {
	ServerIP       string
	ServerPort     uint16
	Protocol       uint8
	DetectionLevel int
}

// Entry is one cache entry's confidence state.
type Entry struct {
	State              State
	ValidCount         int
	InvalidClientCount int
	DetractCount       int
	LastDetractIP      net.IP
	MatchedService     string
	ResetTime          time.Time
}

func (e *Entry) demote() {
	if e.ValidCount <= 1 {
		e.State = StateNew
		e.ValidCount = 0
	} else {
		e.ValidCount--
	}

	e.InvalidClientCount = 0
	e.DetractCount = 0
}

// recordInvalid applies one invalid-client observation of the given
// weight from peerIP. A detraction from a different peer than the last
// one resets the detract streak before counting, so only a streak of
// detractions from one peer reaches DetractThreshold.
func (e *Entry) recordInvalid(peerIP net.IP, weight int) {
	if e.LastDetractIP != nil && !e.LastDetractIP.Equal(peerIP) {
		e.DetractCount = 0
	}

	e.LastDetractIP = peerIP

	e.InvalidClientCount += weight

	if e.InvalidClientCount >= InvalidClientThreshold {
		e.demote()

		return
	}

	e.DetractCount++
	if e.DetractCount >= DetractThreshold {
		e.demote()
	}
}

func (e *Entry) recordValid() {
	if e.ValidCount == 0 {
		e.ValidCount = 1
		e.InvalidClientCount = 0
		e.DetractCount = 0
	} else if e.ValidCount < MaxValidCount {
		e.ValidCount++
	}

	e.State = StateValid
}

// Cache is the process-wide service-ID confidence cache.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*Entry
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[Key]*Entry)}
}

// GetOrCreate returns the entry for key, creating a fresh New-state
// entry on first access.
func (c *Cache) GetOrCreate(key Key) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.getOrCreateLocked(key)
}

func (c *Cache) getOrCreateLocked(key Key) *Entry {
	e, ok := c.entries[key]
	if !ok {
		e = &Entry{State: StateNew, ResetTime: time.Now()}
		c.entries[key] = e
	}

	return e
}

// RecordValid advances key's confidence toward Valid.
func (c *Cache) RecordValid(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.getOrCreateLocked(key).recordValid()
}

// RecordInvalidAtFlowEnd accounts an in-process detection that never
// reached a verdict before the flow ended (weight 3).
func (c *Cache) RecordInvalidAtFlowEnd(key Key, peerIP net.IP) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.getOrCreateLocked(key).recordInvalid(peerIP, WeightFlowEndInconclusive)
}

// RecordIncompatibleData accounts a responder sending data incompatible
// with the candidate service under test (weight 1).
func (c *Cache) RecordIncompatibleData(key Key, peerIP net.IP) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.getOrCreateLocked(key).recordInvalid(peerIP, WeightResponderIncompatible)
}

// Size returns the number of cached entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// PortRemap maps TLS-tunneled well-known ports to the plaintext
// protocol port whose validators should run inside the tunnel, used
// only at DetectionLevel 1.
var PortRemap = map[uint16]uint16{
	465: 25,   // SMTPS -> SMTP
	563: 119,  // NNTPS -> NNTP
	993: 143,  // IMAPS -> IMAP
	990: 21,   // FTPS -> FTP
	992: 23,   // TelnetS -> Telnet
	994: 6667, // IRCS -> IRC
	995: 110,  // POP3S -> POP3
}

// EffectivePort applies the detection-level-1 TLS-tunnel port remap;
// at any other detection level the port passes through unchanged.
func EffectivePort(port uint16, detectionLevel int) uint16 {
	if detectionLevel != 1 {
		return port
	}

	if remapped, ok := PortRemap[port]; ok {
		return remapped
	}

	return port
}
