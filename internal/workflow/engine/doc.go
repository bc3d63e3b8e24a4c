// Package engine computes workflow transitions. Navigate is a pure function
// of a definition, the caller's current position, and an optional result: it
// returns the next position plus a declarative response and never touches
// storage, so a call is either fully applied by the caller or rejected.
package engine
