// flowstate.go anchors an Orchestrator's per-flow candidate tracking in
// the shared flow table, so a flow that is torn down (idle timeout or
// RST/FIN) before service detection reaches a verdict is accounted the
// same way the source's flow-teardown-before-detection-completed path
// accounts it, rather than silently dropping the in-progress attempt.
package appid

import (
	"net"

	"github.com/DeepnessLab/moly-sub000/pkg/flowtable"
)

// FlowSlot is this package's flowtable.SlotID.
const FlowSlot flowtable.SlotID = 1

// flowState is what Orchestrator keeps in a flow's opaque slot.
type flowState struct {
	key    Key
	peerIP net.IP
	fc     *FlowCandidates
	done   bool
}

// Track returns the per-flow service-ID state for flow, creating it on
// first use under key with peerIP as the client endpoint that invalid
// observations get attributed to.
func (o *Orchestrator) Track(flow *flowtable.Flow, key Key, peerIP net.IP) *flowState {
	if fs, ok := flow.Get(FlowSlot).(*flowState); ok {
		return fs
	}

	fs := &flowState{key: key, peerIP: peerIP, fc: &FlowCandidates{}}
	flow.Set(FlowSlot, fs)

	return fs
}

// DetectFlow runs service detection for one packet belonging to flow,
// reusing the flow's own shrinking candidate list instead of rebuilding
// one per packet.
func (o *Orchestrator) DetectFlow(flow *flowtable.Flow, key Key, peerIP net.IP, payload []byte) string {
	fs := o.Track(flow, key, peerIP)
	if fs.done {
		return ""
	}

	name := o.Detect(fs.fc, key, peerIP, payload)
	if name != "" {
		fs.done = true
	}

	return name
}

// ExpireFlows accounts every expired flow whose service detection never
// settled on a verdict as an in-process failure, then drops its slot.
func (o *Orchestrator) ExpireFlows(expired []*flowtable.Flow) {
	for _, flow := range expired {
		fs, ok := flow.Remove(FlowSlot).(*flowState)
		if !ok || fs.done {
			continue
		}

		o.FlowEnded(fs.key, fs.peerIP)
	}
}
