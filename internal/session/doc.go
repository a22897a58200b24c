// Package session keeps the table of logical sessions. A session is keyed
// by con_id, owned by one connection and bound to an optional symbol table.
package session
