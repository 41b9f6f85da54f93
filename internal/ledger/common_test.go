package ledger

import (
	"fmt"
	"sync"

	"exec_reconciler/internal/core"
)

type mockLogger struct {
	mu    sync.Mutex
	warns []string
}

func (m *mockLogger) record(level, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if level == "WARN" {
		m.warns = append(m.warns, msg)
	}
}

func (m *mockLogger) Debug(msg string, f ...interface{}) { fmt.Printf("DEBUG: %s %v\n", msg, f) }
func (m *mockLogger) Info(msg string, f ...interface{})  { fmt.Printf("INFO: %s %v\n", msg, f) }
func (m *mockLogger) Warn(msg string, f ...interface{}) {
	m.record("WARN", msg)
	fmt.Printf("WARN: %s %v\n", msg, f)
}
func (m *mockLogger) Error(msg string, f ...interface{})               { fmt.Printf("ERROR: %s %v\n", msg, f) }
func (m *mockLogger) Fatal(msg string, f ...interface{})               { fmt.Printf("FATAL: %s %v\n", msg, f) }
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

func (m *mockLogger) warnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.warns)
}
