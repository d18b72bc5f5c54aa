package commonutils

import (
	"bytes"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

func CopyToSyncMap[K comparable, V any](src map[K]V, dst *sync.Map) {
	for k, v := range src {
		dst.Store(k, v)
	}
}

func GoID() int64 {
	// A small buffer is enough for the first line of runtime.Stack
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	// The first line looks like: "goroutine 123 [running]:\n"
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

// LogCaller emits a debug-level trace of who called into a page
// operation, routed through zap so it respects the configured log
// level instead of always writing to stdout.
func LogCaller(logger *zap.Logger, msg string, pageID uint64, skip int) {
	// skip=0 -> this function
	// skip=1 -> caller of this function
	// skip=2 -> caller's caller, and so on
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		logger.Debug(msg, zap.Uint64("pageID", pageID), zap.Int64("goroutine", GoID()))
		return
	}

	fn := runtime.FuncForPC(pc)
	name := "unknown"
	if fn != nil {
		name = fn.Name()
	}

	logger.Debug(msg,
		zap.String("file", filepath.Base(file)),
		zap.Int("line", line),
		zap.String("func", name),
		zap.Uint64("pageID", pageID),
		zap.Int64("goroutine", GoID()),
	)
}
