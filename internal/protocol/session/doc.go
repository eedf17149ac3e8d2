// Package session owns one connection to an NMR instrument.
//
// Ownership boundary:
// - dialing and connect retry
// - the background reader (split, parse, validate, store or classify)
// - the ready gate that serializes commands
// - high-level operations built on SendCommand
// - the shim workflow
package session
