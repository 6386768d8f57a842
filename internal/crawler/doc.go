// Package crawler defines the core types, error taxonomy, and collaborator
// interfaces shared by the proxy pool, fetch worker, and scheduler.
package crawler
