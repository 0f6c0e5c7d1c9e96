// Package webhooks turns one Meta webhook delivery into engine work.
//
// A delivery is verified, coalesced against recent identical bodies, fanned
// out into canonical events and processed event by event. Per-event failures
// never abort the rest of the delivery; the Report tells the HTTP collaborator
// whether a redelivery is worth asking for.
package webhooks
