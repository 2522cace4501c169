package logging

import "testing"

func TestLoggerLogDoesNotPanicWithoutFile(t *testing.T) {
	l := &Logger{enabled: true, console: false}
	l.Log(&AuditLog{Operation: "post", Project: "p1", Queue: "fizbit", Success: true})
}

func TestLoggerDisabledSkipsWrite(t *testing.T) {
	l := &Logger{enabled: false, console: true}
	l.Log(&AuditLog{Operation: "post"})
}
