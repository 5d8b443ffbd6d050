// Package stream turns a fragmented byte stream of comma-separated readings
// into samples.
//
// The wire format carries no terminator: a record is closed by its second
// delimiter and the reading is the token between the first and second
// delimiter. For example the bytes "12,34," arriving as "12" then ",34,"
// produce one record whose reading is 34.
package stream
