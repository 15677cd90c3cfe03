package agent

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// consecutiveCallThreshold is how many identical consecutive tool calls
// trigger the gate.
const consecutiveCallThreshold = 3

// chantingThreshold is how many identical trailing sentences in model text
// trigger the gate.
const chantingThreshold = 4

// GateChoice is the user's answer to a loop-detected gate.
type GateChoice int

const (
	// GateKeepEnforcing keeps detection active; the loop resumes with a
	// steering warning.
	GateKeepEnforcing GateChoice = iota
	// GateDisableForSession turns detection off for the rest of the
	// session and resumes.
	GateDisableForSession
)

// callSignature computes a deterministic signature for a tool call from its
// name and argument bytes.
func callSignature(name string, args json.RawMessage) string {
	h := sha256.Sum256(args)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// LoopDetector tracks repetition signals across turns: identical
// consecutive tool calls, sentence chanting in model text, and model
// self-reports. Detection is session-scoped; disabling it is permanent for
// the detector's lifetime.
type LoopDetector struct {
	mu              sync.Mutex
	disabled        bool
	lastSignature   string
	consecutive     int
	lastSentence    string
	sentenceRepeats int
}

// NewLoopDetector creates an active detector.
func NewLoopDetector() *LoopDetector {
	return &LoopDetector{}
}

// Disable turns detection off for the rest of the session.
func (d *LoopDetector) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disabled = true
}

// Disabled reports whether detection is off.
func (d *LoopDetector) Disabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disabled
}

// RecordToolCall registers a proposed call and reports whether the gate
// should trigger before the call is scheduled.
func (d *LoopDetector) RecordToolCall(name string, args json.RawMessage) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disabled {
		return false
	}

	sig := callSignature(name, args)
	if sig == d.lastSignature {
		d.consecutive++
	} else {
		d.lastSignature = sig
		d.consecutive = 1
	}
	return d.consecutive >= consecutiveCallThreshold
}

// RecordText registers model output text and reports whether trailing
// sentence chanting crossed the threshold.
func (d *LoopDetector) RecordText(text string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disabled {
		return false
	}

	sentence := lastSentence(text)
	if sentence == "" {
		return false
	}
	if sentence == d.lastSentence {
		d.sentenceRepeats++
	} else {
		d.lastSentence = sentence
		d.sentenceRepeats = 1
	}
	return d.sentenceRepeats >= chantingThreshold
}

// Reset clears repetition counters, called after the gate resolves so the
// same streak does not immediately re-trigger.
func (d *LoopDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSignature = ""
	d.consecutive = 0
	d.lastSentence = ""
	d.sentenceRepeats = 0
}

func lastSentence(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	trimmed = strings.TrimRight(trimmed, ".!?")
	idx := strings.LastIndexAny(trimmed, ".!?")
	sentence := trimmed
	if idx >= 0 {
		sentence = trimmed[idx+1:]
	}
	sentence = strings.TrimSpace(sentence)
	if len(sentence) < 16 {
		// Short fragments repeat legitimately.
		return ""
	}
	return sentence
}
