// Package symbols turns firmware ELF images into symbol tables: the name,
// fixed address, byte size and normalized type of every statically
// allocated variable described by the image's DWARF info.
//
// Tables are immutable once built. The Catalog holds the tables the gateway
// serves, the Store persists them in sqlite between runs, and WriteCSV
// renders the name,address,size,type map consumed by calibration tools.
package symbols
