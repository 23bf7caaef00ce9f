package worker

import (
	"log"
	"sync/atomic"
)

var debugEnabled int32

// SetDebugEnabled toggles worker debug logging
func SetDebugEnabled(enabled bool) {
	if enabled {
		atomic.StoreInt32(&debugEnabled, 1)
	} else {
		atomic.StoreInt32(&debugEnabled, 0)
	}
}

// IsDebugEnabled reports whether worker debug logging is on
func IsDebugEnabled() bool {
	return atomic.LoadInt32(&debugEnabled) == 1
}

func debugLog(format string, args ...interface{}) {
	if IsDebugEnabled() {
		log.Printf("[WORKER] "+format, args...)
	}
}
