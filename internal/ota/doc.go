// Package ota streams firmware images to the device in acknowledged chunks.
//
// A transfer moves through initiated, transferring and verifying before it
// ends completed, failed or cancelled. Every chunk carries a CRC-32 and the
// finalize request carries the CRC-32 of the whole image; the device answers
// with its own checksum, and a mismatch fails the transfer.
//
// Transfers belong to the client connection that started them. When that
// connection drops, the transfer is detached and can be resumed from the
// chunk after the highest acknowledged one until the resume window passes.
package ota
