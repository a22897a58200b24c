// Package devicesim simulates the device gateway end of xcpgate.
//
// A Device keeps a sparse RAM map keyed by address and answers mem_read
// with 0b literals of the requested width, the encoding the bench SPI
// gateway uses. Writes replace the low size bits of the stored value.
// Addresses can be protected (writes reply state "fail") or faulted
// (every access replies with an error message).
//
// The OTA receiver reassembles ota_chunk payloads, nacks chunks whose CRC
// does not match, and answers ota_finalize with the CRC-32 of the
// assembled image. An image that verifies becomes Firmware().
//
// Serve connects to a gateway's /device endpoint; Handle can be driven
// directly in tests.
package devicesim
