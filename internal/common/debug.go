// Package common holds small helpers shared across hashleaf's internal
// packages that don't belong to any one component.
package common

import (
	"bytes"
	"runtime"
	"strconv"

	"go.uber.org/zap"
)

// GoID returns the id of the calling goroutine, parsed out of runtime.Stack.
// It is for diagnostic logging only: never use it to key application state.
func GoID() int64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// LogLatchCall emits a debug trace identifying who is about to block on a
// lock guarding the given page id, and from where, keyed by the calling
// goroutine. It is a no-op unless the logger's core has debug logging
// enabled, so it's cheap to leave in contention-prone call sites like the
// page cache's single mutex.
func LogLatchCall(logger *zap.Logger, msg string, pageID uint64, skip int) {
	if logger == nil || !logger.Core().Enabled(zap.DebugLevel) {
		return
	}
	pc, file, line, ok := runtime.Caller(skip)
	name := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			name = fn.Name()
		}
	}
	logger.Debug(msg,
		zap.Uint64("page_id", pageID),
		zap.Int64("goroutine", GoID()),
		zap.String("caller", name),
		zap.String("file", file),
		zap.Int("line", line),
	)
}
