// Package internal holds random-material helpers shared by the engine's
// flows: reset token encoding, backup code generation and hashing.
package internal
