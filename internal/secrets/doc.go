// Package secrets detects and redacts credentials in generated artifacts
// using the gitleaks rule set.
//
// Findings never carry the matched value, so a Result can be logged or
// returned to callers without leaking what it found.
package secrets
