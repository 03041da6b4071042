// Package sentinel provides a const-declarable error type for sentinel
// error declarations.
//
// Sentinels declared with errors.New live in package-level vars that any
// consumer can reassign. The Error type here is a plain string type, so
// sentinels can be declared const while remaining compatible with
// errors.Is through wrapped error chains.
package sentinel
