// Package sampler implements strategic sampling of a large serialized
// payload into a compact excerpt suitable as AnalysisAgent prompt input
// (spec §4.4).
package sampler

const (
	// fullThreshold is the largest byte length at which a payload is
	// sampled in its entirety.
	fullThreshold = 5120

	firstLen  = 1024
	middleLen = 512
	lastLen   = 500
)

// Strategy names the sampling mode used to produce a Sample.
type Strategy string

const (
	StrategyFull       Strategy = "full"
	StrategyStrategic  Strategy = "strategic"
)

// Sample is the excerpt handed to the AnalysisAgent. First/Middle/Last are
// raw substring slices of the serialized payload — they need not be
// syntactically valid JSON on their own.
type Sample struct {
	First    string   `json:"first"`
	Middle   []string `json:"middle"`
	Last     string   `json:"last"`
	Strategy Strategy `json:"strategy"`
}

// Take produces a Sample from payload, a string serialization of the
// tool response. Payloads of at most 5120 bytes are emitted whole;
// larger payloads are sliced into a leading, three middle, and trailing
// excerpt (spec §4.4, §8's boundary case at exactly 5120/5121 bytes).
func Take(payload string) Sample {
	l := len(payload)
	if l <= fullThreshold {
		return Sample{First: payload, Middle: []string{}, Last: "", Strategy: StrategyFull}
	}

	first := sliceFrom(payload, 0, firstLen)
	middle := []string{
		sliceFrom(payload, quarter(l, 1), middleLen),
		sliceFrom(payload, quarter(l, 2), middleLen),
		sliceFrom(payload, quarter(l, 3), middleLen),
	}
	last := sliceFrom(payload, l-lastLen, lastLen)

	return Sample{First: first, Middle: middle, Last: last, Strategy: StrategyStrategic}
}

// quarter returns floor(l * n / 4) for n in {1,2,3}.
func quarter(l, n int) int {
	return l * n / 4
}

// sliceFrom returns payload[start, start+length), clamped to the string's
// bounds.
func sliceFrom(payload string, start, length int) string {
	if start < 0 {
		start = 0
	}
	if start > len(payload) {
		start = len(payload)
	}
	end := start + length
	if end > len(payload) {
		end = len(payload)
	}
	return payload[start:end]
}
