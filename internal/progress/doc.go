// Package progress tracks how far a run has advanced through the ID space.
// Watermark computes the smallest unresolved ID while workers complete out of
// order, and FileCursor persists that mark so a restart resumes without
// skipping any ID.
package progress
