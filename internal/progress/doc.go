// Package progress turns the shared progress store into per-subscriber update
// streams. A Publisher polls one job's record on a fixed interval, suppresses
// duplicates and ends after a terminal update. A Registry owns the publishers
// backing live subscriptions so they can be counted and shut down together.
package progress
