package mcp

import (
	"log"
	"sync/atomic"
)

var debugEnabled atomic.Bool

// SetDebugEnabled toggles tool call tracing on stderr
func SetDebugEnabled(enabled bool) {
	debugEnabled.Store(enabled)
}

// IsDebugEnabled reports whether tool calls are traced
func IsDebugEnabled() bool {
	return debugEnabled.Load()
}

func debugLog(format string, args ...interface{}) {
	if IsDebugEnabled() {
		log.Printf("[MCP] "+format, args...)
	}
}
