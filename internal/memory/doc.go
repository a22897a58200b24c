// Package memory coordinates raw memory reads and writes forwarded to the
// device peer. Each access waits for the matching device reply, a timeout
// or device loss, and never blocks accesses on other keys.
package memory
