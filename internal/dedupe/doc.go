// Package dedupe suppresses redelivered update events by remembering the IDs
// of recently applied ones for a configurable window.
package dedupe
