package fileio

import "testing"

func TestLogName_RoundTrip(t *testing.T) {
	cases := []struct {
		task, stage string
		event       LogEvent
		ext         LogExt
	}{
		{"taskA", "inference", LogEventStart, LogExtLog},
		{"taskB", "validateStructure", LogEventSuccess, LogExtJSON},
		{"c", "refine", LogEventRetry, LogExtTxt},
		{"taskA", "critique", LogEventError, LogExtLog},
		{"taskA", "finalValidation", LogEventWarning, LogExtJSON},
	}
	for _, c := range cases {
		name := generateLogName(c.task, c.stage, c.event, c.ext)
		parsed, ok := parseLogName(name)
		if !ok {
			t.Fatalf("parseLogName(%q) failed to parse", name)
		}
		if parsed.TaskName != c.task || parsed.Stage != c.stage || parsed.Event != c.event || parsed.Ext != c.ext {
			t.Fatalf("round trip mismatch for %q: got %+v, want task=%s stage=%s event=%s ext=%s",
				name, parsed, c.task, c.stage, c.event, c.ext)
		}
	}
}

func TestLogName_RejectsHyphenatedComponents(t *testing.T) {
	name := generateLogName("task-a", "inference", LogEventStart, LogExtLog)
	if _, ok := parseLogName(name); ok {
		t.Fatalf("expected parse failure for hyphenated task component, got success")
	}
}

func TestLogName_RejectsUnknownEventOrExt(t *testing.T) {
	if isValidLogName("taskA-inference-bogus.log") {
		t.Fatalf("expected rejection of unknown event")
	}
	if isValidLogName("taskA-inference-start.bogus") {
		t.Fatalf("expected rejection of unknown ext")
	}
}

func TestLogName_RejectsWrongArity(t *testing.T) {
	if isValidLogName("taskA-inference.log") {
		t.Fatalf("expected rejection of two-component name")
	}
	if isValidLogName("taskA-inference-start-extra.log") {
		t.Fatalf("expected rejection of four-component name")
	}
}

func TestLogName_RejectsMissingExtension(t *testing.T) {
	if isValidLogName("taskA-inference-start") {
		t.Fatalf("expected rejection of name with no extension")
	}
}
