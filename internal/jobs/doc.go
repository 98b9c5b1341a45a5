// Package jobs defines the core types, collaborator interfaces, and error
// taxonomy shared by the queue, worker, store, and subscription subsystems.
// It must not import concrete backends.
package jobs
