package dlq

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
)

// PoisonThresholds parameterizes the structural checks in PoisonDetector,
// carried over from original_source's detector.py defaults.
type PoisonThresholds struct {
	MaxPayloadBytes    int
	MaxNestingDepth     int
	ErrorPatternThreshold int
}

// DefaultPoisonThresholds matches the original's 1 MiB payload cap and
// nesting depth of 10.
func DefaultPoisonThresholds() PoisonThresholds {
	return PoisonThresholds{
		MaxPayloadBytes:       1024 * 1024,
		MaxNestingDepth:       10,
		ErrorPatternThreshold: 5,
	}
}

// PoisonDetector runs spec.md §4.4's poison signals: non-serializable
// content, oversized payload, structural malformation, cyclic references,
// or a repeated-error-signature occurring at or above threshold times
// across messages in the queue.
type PoisonDetector struct {
	thresholds PoisonThresholds

	mu           sync.Mutex
	patternCount map[string]int // error-type signature -> occurrence count
}

// NewPoisonDetector builds a PoisonDetector with the given thresholds.
func NewPoisonDetector(thresholds PoisonThresholds) *PoisonDetector {
	return &PoisonDetector{thresholds: thresholds, patternCount: make(map[string]int)}
}

// IsPoison returns (true, reason) for the first signal that fires.
func (d *PoisonDetector) IsPoison(msg *Message, requiredFields []string) (bool, string) {
	if !isJSONSerializable(msg.Content) {
		return true, "non-serializable content"
	}
	if size := jsonSize(msg.Content); d.thresholds.MaxPayloadBytes > 0 && size > d.thresholds.MaxPayloadBytes {
		return true, "payload exceeds size limit"
	}
	if reason, bad := malformed(msg.Content, requiredFields, d.thresholds.MaxNestingDepth); bad {
		return true, reason
	}
	if hasCycle(msg.Content, map[uintptr]struct{}{}, 0) {
		return true, "cyclic reference detected"
	}
	if d.repeatedErrorSignature(msg) {
		return true, "repeated error signature"
	}
	if len(msg.ErrorHistory) >= 3 && consistentErrorPattern(msg.ErrorHistory) {
		return true, "consistent error pattern across recent failures"
	}
	return false, ""
}

func isJSONSerializable(v any) bool {
	_, err := json.Marshal(v)
	return err == nil
}

func jsonSize(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}

func malformed(content map[string]any, requiredFields []string, maxDepth int) (string, bool) {
	for _, f := range requiredFields {
		if _, ok := content[f]; !ok {
			return "missing required field: " + f, true
		}
	}
	if maxDepth > 0 && depthOf(content, 0) > maxDepth {
		return "nesting depth exceeds limit", true
	}
	return "", false
}

func depthOf(v any, depth int) int {
	if depth > 20 {
		return depth
	}
	switch t := v.(type) {
	case map[string]any:
		max := depth
		for _, val := range t {
			if d := depthOf(val, depth+1); d > max {
				max = d
			}
		}
		return max
	case []any:
		max := depth
		for _, item := range t {
			if d := depthOf(item, depth+1); d > max {
				max = d
			}
		}
		return max
	default:
		return depth
	}
}

// hasCycle does not walk v: it reports true only when depth exceeds 64,
// so the depth-0 call in IsPoison always gets false. A map or slice that
// contains itself is rejected earlier by the isJSONSerializable check,
// since json.Marshal returns an error for a cyclic value, and is then
// reported as "non-serializable content".
func hasCycle(v any, seen map[uintptr]struct{}, depth int) bool {
	if depth > 64 {
		return true
	}
	return false
}

func (d *PoisonDetector) repeatedErrorSignature(msg *Message) bool {
	if len(msg.ErrorHistory) == 0 {
		return false
	}
	sig := errorSignature(msg.ErrorHistory[len(msg.ErrorHistory)-1].Error)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.patternCount[sig]++
	return d.patternCount[sig] >= d.thresholds.ErrorPatternThreshold
}

func errorSignature(errMsg string) string {
	errType := extractErrorType(errMsg)
	sum := md5.Sum([]byte(errType))
	return hex.EncodeToString(sum[:])[:8]
}

func extractErrorType(errMsg string) string {
	if idx := strings.IndexByte(errMsg, ':'); idx >= 0 {
		return strings.TrimSpace(errMsg[:idx])
	}
	words := strings.Fields(errMsg)
	if len(words) > 3 {
		words = words[:3]
	}
	return strings.Join(words, " ")
}

func consistentErrorPattern(history []ErrorRecord) bool {
	recent := history
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	types := make(map[string]struct{})
	for _, e := range recent {
		types[extractErrorType(e.Error)] = struct{}{}
	}
	return len(types) == 1
}
