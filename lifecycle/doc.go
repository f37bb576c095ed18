// Package lifecycle provides the process-wide registry of cleanable
// resources.
//
// A [Manager] is constructed once by the process entry point and passed to
// every component that owns a connection, consumer or admin handle. On
// [Manager.Shutdown], triggered by a termination signal or by the entry
// point itself, every registered [Cleaner] is released concurrently and
// exactly once; a failing or panicking cleaner never blocks the others.
package lifecycle
