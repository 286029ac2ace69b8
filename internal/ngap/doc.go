// Package ngap builds the opaque N2 SM containers that ride inside follow-up
// N1N2 transfers.
//
// Ownership boundary:
// - TLV field framing and container schema validation.
// - Encoding session context into QoS flow binding and resource setup
//   request transfer containers.
// - No ASN.1: the peer treats containers as opaque bytes.
package ngap
