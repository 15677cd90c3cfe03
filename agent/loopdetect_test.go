package agent

import (
	"encoding/json"
	"testing"
)

func TestLoopDetectorThreeIdenticalCalls(t *testing.T) {
	d := NewLoopDetector()
	args := json.RawMessage(`{"path":"a.txt"}`)

	if d.RecordToolCall("read_file", args) {
		t.Fatal("triggered on first call")
	}
	if d.RecordToolCall("read_file", args) {
		t.Fatal("triggered on second call")
	}
	if !d.RecordToolCall("read_file", args) {
		t.Fatal("did not trigger on third identical call")
	}
}

func TestLoopDetectorDifferentArgsResetStreak(t *testing.T) {
	d := NewLoopDetector()
	a := json.RawMessage(`{"path":"a.txt"}`)
	b := json.RawMessage(`{"path":"b.txt"}`)

	d.RecordToolCall("read_file", a)
	d.RecordToolCall("read_file", a)
	if d.RecordToolCall("read_file", b) {
		t.Fatal("different args must not extend the streak")
	}
	d.RecordToolCall("read_file", b)
	if !d.RecordToolCall("read_file", b) {
		t.Fatal("new streak of three did not trigger")
	}
}

func TestLoopDetectorDifferentToolResetsStreak(t *testing.T) {
	d := NewLoopDetector()
	args := json.RawMessage(`{}`)

	d.RecordToolCall("glob", args)
	d.RecordToolCall("glob", args)
	if d.RecordToolCall("list_directory", args) {
		t.Fatal("different tool name must not extend the streak")
	}
}

func TestLoopDetectorDisable(t *testing.T) {
	d := NewLoopDetector()
	args := json.RawMessage(`{}`)
	d.Disable()
	for i := 0; i < 10; i++ {
		if d.RecordToolCall("read_file", args) {
			t.Fatal("disabled detector triggered")
		}
	}
	if !d.Disabled() {
		t.Fatal("Disabled() = false after Disable")
	}
}

func TestLoopDetectorResetClearsStreak(t *testing.T) {
	d := NewLoopDetector()
	args := json.RawMessage(`{}`)
	d.RecordToolCall("read_file", args)
	d.RecordToolCall("read_file", args)
	d.Reset()
	if d.RecordToolCall("read_file", args) {
		t.Fatal("triggered right after reset")
	}
}

func TestLoopDetectorChanting(t *testing.T) {
	d := NewLoopDetector()
	line := "I will now read the configuration file."

	for i := 0; i < chantingThreshold-1; i++ {
		if d.RecordText(line) {
			t.Fatalf("triggered at repeat %d", i+1)
		}
	}
	if !d.RecordText(line) {
		t.Fatal("did not trigger at the chanting threshold")
	}
}

func TestLoopDetectorShortSentencesIgnored(t *testing.T) {
	d := NewLoopDetector()
	for i := 0; i < 10; i++ {
		if d.RecordText("Done.") {
			t.Fatal("short fragment triggered chanting")
		}
	}
}
