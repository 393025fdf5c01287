// Package dedupe suppresses repeated reports by remembering the last
// fingerprint seen per key within a configurable window.
package dedupe
