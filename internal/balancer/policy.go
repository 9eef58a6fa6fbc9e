package balancer

// Policy names the pluggable Worker-selection strategy, per spec.md §4.4.
type Policy string

const (
	PolicyRoundRobin       Policy = "round_robin"
	PolicyLeastConnections Policy = "least_connections"
	PolicyResponseTime     Policy = "response_time"
	PolicyWeighted         Policy = "weighted"
)

func (p Policy) valid() bool {
	switch p {
	case PolicyRoundRobin, PolicyLeastConnections, PolicyResponseTime, PolicyWeighted:
		return true
	default:
		return false
	}
}

// Weighted-scoring constants from spec.md §4.4. Named (package-private) so
// the formula's provenance is legible at the call site rather than buried
// in magic numbers.
const (
	scoreBase               = 100.0
	queueDepthPenaltyPerReq = 10.0
	responseTimeDivisor     = 10.0
	responseTimePenaltyCap  = 50.0
	successRateWeight       = 20.0
	affinityMatchBonus      = 30.0
	affinityMismatchPenalty = -10.0
	priorityHighIdleBonus   = 25.0
	priorityHighLightBonus  = 10.0
	recencyPenalty          = -5.0
	recencyWindowSeconds    = 1.0
)
