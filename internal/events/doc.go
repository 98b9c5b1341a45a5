// Package events carries job lifecycle events from workers and the dispatcher
// to pluggable sinks. Emit never blocks; a background goroutine batches events
// by size and time and fans each batch out to every sink. Subscribers do not
// read from here, they poll the progress store.
package events
