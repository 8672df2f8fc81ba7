package appid

import (
	"net"
	"sort"
)

// Verdict is what a Validator concluded about one payload sample.
type Verdict int

const (
	// VerdictInconclusive means the validator needs more data (or this
	// sample didn't rule the service in or out).
	VerdictInconclusive Verdict = iota
	// VerdictMatch means the validator positively identified its service.
	VerdictMatch
	// VerdictIncompatible means the payload is data this service's
	// protocol could never produce, ruling the candidate out. Collapses
	// the source's distinct "not compatible" and "no match" rejections,
	// since both remove the validator from the flow's candidate list.
	VerdictIncompatible
)

// Validator is one candidate service detector: a port hint used to
// prioritize it, and a detection function run against captured payload.
//
// The tagged-union "is it port, pattern or brute-force" distinction the
// original made between validator kinds is collapsed into this single
// interface per spec's redesign note — callers set Priority instead.
type Validator interface {
	Name() string
	// Priority orders candidate selection: validators whose registered
	// port matches the flow's server port sort first (the "Port" phase),
	// the rest follow in ascending rank order. All of them share one
	// capped candidate list; no validator is held back for a separate
	// brute-force round.
	Priority(serverPort uint16) (isPortMatch bool, rank int)
	Detect(payload []byte) Verdict
}

// FlowCandidates is one flow's validator shortlist. It is built once,
// on the flow's first packet, and only ever shrinks afterward as
// validators reject the flow — it is never rebuilt from scratch. The
// zero value is ready to use for a fresh flow.
type FlowCandidates struct {
	built bool
	list  []Validator
}

// Orchestrator drives candidate validators against the cache.
type Orchestrator struct {
	cache         *Cache
	validators    []Validator
	maxCandidates int
	metrics       *Metrics
}

// NewOrchestrator builds an Orchestrator over the given validators.
func NewOrchestrator(cache *Cache, validators []Validator) *Orchestrator {
	return &Orchestrator{cache: cache, validators: validators, maxCandidates: MaxCandidateServices}
}

// SetMetrics attaches prometheus counters that Detect updates on every
// call. A nil Orchestrator.metrics (the default) tracks nothing.
func (o *Orchestrator) SetMetrics(m *Metrics) {
	o.metrics = m
}

// candidates returns, in priority order, the validators a flow's
// shortlist should start with: port-matching ones first, then pattern
// validators, capped at maxCandidates. The cap holds no matter what
// state the flow is in — brute force exhausts the shortlist it was
// already given, it does not earn a second, unbounded one.
func (o *Orchestrator) candidates(serverPort uint16) []Validator {
	type ranked struct {
		v         Validator
		portMatch bool
		rank      int
	}

	rs := make([]ranked, 0, len(o.validators))

	for _, v := range o.validators {
		portMatch, rank := v.Priority(serverPort)
		rs = append(rs, ranked{v, portMatch, rank})
	}

	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].portMatch != rs[j].portMatch {
			return rs[i].portMatch
		}

		return rs[i].rank < rs[j].rank
	})

	if len(rs) > o.maxCandidates {
		rs = rs[:o.maxCandidates]
	}

	out := make([]Validator, len(rs))
	for i, r := range rs {
		out[i] = r.v
	}

	return out
}

// validatorByName finds a registered validator by name, used to keep
// driving the winning validator once a flow has settled on one.
func (o *Orchestrator) validatorByName(name string) Validator {
	for _, v := range o.validators {
		if v.Name() == name {
			return v
		}
	}

	return nil
}

// Detect runs one packet's payload through fc, building fc's candidate
// list on first use and narrowing it as candidates reject the flow.
// Once the cache already holds a winner for key, the winning validator
// alone keeps processing every packet — a settled verdict doesn't mean
// the validator stops seeing traffic, only that no other candidate does.
func (o *Orchestrator) Detect(fc *FlowCandidates, key Key, peerIP net.IP, payload []byte) string {
	entry := o.cache.GetOrCreate(key)

	if entry.State == StateValid && entry.MatchedService != "" {
		if v := o.validatorByName(entry.MatchedService); v != nil {
			v.Detect(payload)
		}

		if o.metrics != nil {
			o.metrics.cacheHits.Inc()
		}

		return entry.MatchedService
	}

	if o.metrics != nil {
		o.metrics.cacheMisses.Inc()
	}

	advanceState(entry)

	if !fc.built {
		fc.list = o.candidates(key.ServerPort)
		fc.built = true
	}

	// filter fc.list in place: remaining candidates accumulate into the
	// same backing array as fc.list is drained from the front.
	remaining := fc.list[:0]
	matched := ""

	for _, v := range fc.list {
		switch v.Detect(payload) {
		case VerdictMatch:
			matched = v.Name()
		case VerdictIncompatible:
			o.cache.RecordIncompatibleData(key, peerIP)
		case VerdictInconclusive:
			remaining = append(remaining, v)
		}

		if matched != "" {
			break
		}
	}

	if matched != "" {
		entry.MatchedService = matched
		fc.list = nil
		o.cache.RecordValid(key)

		if o.metrics != nil {
			o.metrics.matches.WithLabelValues(matched).Inc()
		}

		return matched
	}

	fc.list = remaining

	return ""
}

// FlowEnded accounts a flow that closed with detection still pending,
// per the source's in-process-failure-at-flow-end path (weight 3,
// heavier than a single incompatible-data observation).
func (o *Orchestrator) FlowEnded(key Key, peerIP net.IP) {
	o.cache.RecordInvalidAtFlowEnd(key, peerIP)
}

// advanceState walks New -> Port -> Pattern -> BruteForce as repeated
// rounds fail to produce a match, mirroring the source's escalation
// through progressively less targeted detection strategies.
func advanceState(e *Entry) {
	switch e.State {
	case StateNew:
		e.State = StatePort
	case StatePort:
		e.State = StatePattern
	case StatePattern:
		e.State = StateBruteForce
	}
}
