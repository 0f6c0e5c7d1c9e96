// Package inbound turns raw platform payloads into core.InboundEvent values.
//
// Flat payloads are checked against an embedded JSON Schema before field
// extraction. Meta webhook envelopes fan out into one event per comment or
// message, with echoes of the account's own messages dropped.
package inbound
