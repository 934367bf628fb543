package worker

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/mattjoyce/polyhost/internal/log"
	"github.com/mattjoyce/polyhost/internal/protocol"
)

// consoleLogPrefix marks lines a worker wants treated as log records
// rather than raw output, e.g. "polyhost[warn] disk almost full".
const consoleLogPrefix = "polyhost["

// bridgeLines forwards process output into sink until lines is closed.
// Stdout defaults to info and stderr to error unless the line carries its own level.
func bridgeLines(lines <-chan Line, sink log.TraceSink) {
	for line := range lines {
		level, msg := parseLine(line)
		if msg == "" {
			continue
		}
		emit(sink, level, msg, "")
	}
}

// parseLine recovers a level and message from a structured line.
// JSON objects with level/msg fields and the prefixed console form are recognised.
func parseLine(line Line) (level, msg string) {
	level = "info"
	if line.Stream == Stderr {
		level = "error"
	}
	text := strings.TrimSpace(line.Text)
	if text == "" {
		return level, ""
	}

	if strings.HasPrefix(text, "{") {
		var rec struct {
			Level   string `json:"level"`
			Msg     string `json:"msg"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(text), &rec); err == nil && (rec.Msg != "" || rec.Message != "") {
			m := rec.Msg
			if m == "" {
				m = rec.Message
			}
			if rec.Level != "" {
				level = strings.ToLower(rec.Level)
			}
			return level, m
		}
	}

	if rest, ok := strings.CutPrefix(text, consoleLogPrefix); ok {
		if lvl, m, ok := strings.Cut(rest, "]"); ok {
			return strings.ToLower(strings.TrimSpace(lvl)), strings.TrimSpace(m)
		}
	}
	return level, text
}

// relayLog writes an RpcLog frame to sink.
func relayLog(sink log.TraceSink, rec *protocol.RPCLog) {
	msg := rec.Message
	if rec.Category != "" {
		msg = rec.Category + ": " + msg
	}
	if rec.InvocationID != "" {
		msg = msg + " (invocation " + rec.InvocationID + ")"
	}
	emit(sink, strings.ToLower(rec.Level), msg, rec.Exception)
}

func emit(sink log.TraceSink, level, msg, exception string) {
	switch level {
	case "error", "critical", "fatal":
		var err error
		if exception != "" {
			err = errors.New(exception)
		}
		sink.Error(msg, err)
	case "warn", "warning":
		sink.Warn(msg)
	default:
		sink.Info(msg)
	}
}
