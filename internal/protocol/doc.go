// Package protocol implements the JSON command protocol spoken over the
// gateway's WebSocket endpoints.
//
// # Client Commands
//
// Every client frame is a JSON object with a cmd and a con_id:
//
//	{"cmd":"init","con_id":"01","image":"firmware"}
//	{"cmd":"mem_read","con_id":"01","add":"0x20000100","size":"32"}
//	{"cmd":"mem_write","con_id":"01","sym":"counter","data":"0b00000000000000000000000000000101"}
//	{"cmd":"symbols","con_id":"01"}
//	{"cmd":"ota_start","con_id":"01","data":"<base64>","chunk_size":1024}
//	{"cmd":"ota_cancel","con_id":"01"}
//	{"cmd":"ota_resume","con_id":"01"}
//	{"cmd":"ota_status","con_id":"01"}
//	{"cmd":"end","con_id":"01"}
//
// Replies carry res and the request's con_id. Failures are reported as
//
//	{"res":"error","con_id":"01","reason":"timeout","add":"0x20000100"}
//
// with the reason taken from AsError, the single place where internal
// errors become wire reasons.
//
// # Device Frames
//
// The device peer answers mem_read and mem_write requests and acknowledges
// OTA chunks (ota_chunk_ack) and the finished image (ota_verify). Its frames
// name their kind in res, or in cmd when res is absent. Values may be
// binary (0b...), hex (0x...) or decimal strings, or JSON numbers. Frames
// nobody is waiting for are discarded and reported to the observer.
//
// # Concurrency
//
// Each client command runs on its own goroutine, so a slow memory access
// never delays unrelated commands from the same connection.
package protocol
