package fileio

import "strings"

// LogEvent is the closed enumeration of event tokens a canonical log name
// may carry. The set is deliberately small: it names the phase of a single
// stage's execution the log line belongs to, not the log's severity (that
// lives in the payload, not the filename).
type LogEvent string

const (
	LogEventStart   LogEvent = "start"
	LogEventSuccess LogEvent = "success"
	LogEventError   LogEvent = "error"
	LogEventRetry   LogEvent = "retry"
	LogEventWarning LogEvent = "warning"
)

var validLogEvents = map[LogEvent]bool{
	LogEventStart:   true,
	LogEventSuccess: true,
	LogEventError:   true,
	LogEventRetry:   true,
	LogEventWarning: true,
}

// LogExt is the closed enumeration of file extensions a canonical log name
// may carry.
type LogExt string

const (
	LogExtLog  LogExt = "log"
	LogExtJSON LogExt = "json"
	LogExtTxt  LogExt = "txt"
)

var validLogExts = map[LogExt]bool{
	LogExtLog:  true,
	LogExtJSON: true,
	LogExtTxt:  true,
}

// ParsedLogName is the decomposition of a canonical
// "<taskName>-<stage>-<event>.<ext>" log file name.
type ParsedLogName struct {
	TaskName string
	Stage    string
	Event    LogEvent
	Ext      LogExt
}

// generateLogName builds the canonical log file name for (task, stage,
// event, ext). Callers are responsible for only passing components that
// satisfy the grammar (no hyphens in task/stage, event/ext from their
// enumerations); generateLogName does not itself validate, and
// parseLogName(generateLogName(...)) round-trips only for inputs that
// satisfy the grammar.
func generateLogName(task, stage string, event LogEvent, ext LogExt) string {
	return task + "-" + stage + "-" + string(event) + "." + string(ext)
}

// parseLogName decomposes name per the canonical grammar
// ^<taskName>-<stage>-<event>\.<ext>$ where the first three tokens contain
// no hyphens. It returns ok=false (never panics) on any mismatch, including
// an event or ext outside the closed enumerations.
func parseLogName(name string) (ParsedLogName, bool) {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 || dot == len(name)-1 {
		return ParsedLogName{}, false
	}
	stem, ext := name[:dot], name[dot+1:]
	parts := strings.Split(stem, "-")
	if len(parts) != 3 {
		return ParsedLogName{}, false
	}
	task, stage, event := parts[0], parts[1], parts[2]
	if task == "" || stage == "" || event == "" {
		return ParsedLogName{}, false
	}
	ev := LogEvent(event)
	xt := LogExt(ext)
	if !validLogEvents[ev] || !validLogExts[xt] {
		return ParsedLogName{}, false
	}
	return ParsedLogName{TaskName: task, Stage: stage, Event: ev, Ext: xt}, true
}

// isValidLogName reports whether name conforms to the canonical grammar;
// writeLog calls this to reject non-conforming names with InvalidLogName.
func isValidLogName(name string) bool {
	_, ok := parseLogName(name)
	return ok
}
