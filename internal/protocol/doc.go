// Package protocol groups the instrument wire contract.
//
// Ownership boundary:
// - document: XML frame parsing and encoding
// - frame: stream splitting at the XML declaration
// - message: outbound request builders
// - reply, notify: inbound correlation and run lifecycle
// - schema: advisory validation
// - session: connection, gating, and instrument operations
package protocol
