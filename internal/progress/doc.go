// Package progress carries job lifecycle events from workers to pluggable
// sinks. The Hub buffers events without blocking the worker and flushes them
// in batches on a background goroutine.
package progress
