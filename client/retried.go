package client

import "fmt"

// RetriedStats records how far one logical call has retried. It is mutated
// only by the call loop between attempts; callbacks observe it read-only.
type RetriedStats struct {
	RetriedTotal              int
	RetriedOnCurrentEndpoint  int
	RetriedOnCurrentIPs       int
	AbandonedEndpoints        int
	AbandonedIPsOfEndpoint    int
	SwitchedToAlternative     bool
}

// IncreaseCurrentEndpoint counts one more retry against the current
// endpoint.
func (r *RetriedStats) IncreaseCurrentEndpoint() {
	r.RetriedTotal++
	r.RetriedOnCurrentEndpoint++
	r.RetriedOnCurrentIPs++
}

// IncreaseAbandonedEndpoints counts one more endpoint given up on.
func (r *RetriedStats) IncreaseAbandonedEndpoints() {
	r.AbandonedEndpoints++
}

// IncreaseAbandonedIPs counts one more IP of the current endpoint given up
// on.
func (r *RetriedStats) IncreaseAbandonedIPs() {
	r.AbandonedIPsOfEndpoint++
}

// SwitchEndpoint zeroes the per-endpoint counters when moving on to the
// next endpoint.
func (r *RetriedStats) SwitchEndpoint() {
	r.RetriedOnCurrentEndpoint = 0
	r.AbandonedIPsOfEndpoint = 0
	r.SwitchIPs()
}

// SwitchIPs zeroes the per-IP counter when moving on to the next IP.
func (r *RetriedStats) SwitchIPs() {
	r.RetriedOnCurrentIPs = 0
}

// SwitchToAlternative marks the crossing from preferred to alternative
// endpoints.
func (r *RetriedStats) SwitchToAlternative() {
	r.SwitchedToAlternative = true
	r.SwitchEndpoint()
}

// Clone returns a copy for read-only hand-off.
func (r *RetriedStats) Clone() *RetriedStats {
	clone := *r
	return &clone
}

// String renders the compact observability trace.
func (r *RetriedStats) String() string {
	mode := "p"
	if r.SwitchedToAlternative {
		mode = "a"
	}
	return fmt.Sprintf("%d,%d,%d,%d,%d,%s",
		r.RetriedTotal,
		r.RetriedOnCurrentEndpoint,
		r.RetriedOnCurrentIPs,
		r.AbandonedEndpoints,
		r.AbandonedIPsOfEndpoint,
		mode,
	)
}
