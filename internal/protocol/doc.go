// Package protocol owns the link-layer wire vocabulary shared by the
// framing packages.
//
// Ownership boundary:
// - channel, fragment role, local role and ack result enums
// - fragment and batch ownership types
// - error taxonomy used by encoder, reassembly and dispatch
//
// Subpackages:
// - frame: bit-packed header codec, control frames, version packet
// - segment: transmit-side fragment encoder
// - reassembly: receive-side per-channel state machine
// - dispatch: completed-payload routing and ack decisions
// - envelope: control envelope codec (protobuf wire format)
package protocol
