// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import "github.com/canopy-foundation/canopy/surface"

// DiagnosticKind classifies a diagnostic event.
type DiagnosticKind string

const (
	// DiagnosticUnroutable: a dispatched message had no explicit
	// target and no routing-table entry. Exactly one event per
	// message, zero deliveries.
	DiagnosticUnroutable DiagnosticKind = "unroutable"

	// DiagnosticCodecError: a frame from a surface failed to decode.
	// The message is discarded; the channel stays up.
	DiagnosticCodecError DiagnosticKind = "codec_error"

	// DiagnosticSequenceGap: a surface's inbound sequence numbers
	// skipped or reordered. Detection only — no recovery is derived
	// from sequence numbers.
	DiagnosticSequenceGap DiagnosticKind = "sequence_gap"

	// DiagnosticTerminatedTarget: a message was addressed to a role
	// whose only instance is mid-recovery. The message is dropped,
	// visibly.
	DiagnosticTerminatedTarget DiagnosticKind = "terminated_target"

	// DiagnosticBackpressure: a delivery was dropped because the
	// destination queue stayed full. Batching and suppression should
	// make this rare.
	DiagnosticBackpressure DiagnosticKind = "backpressure"

	// DiagnosticUnexpectedTermination: a surface process exited
	// abnormally while Ready.
	DiagnosticUnexpectedTermination DiagnosticKind = "unexpected_termination"
)

// Diagnostic is a structured event for conditions that are reported
// rather than failed on. The default sink logs them; embedders install
// their own sink via Options.OnDiagnostic.
type Diagnostic struct {
	Kind DiagnosticKind

	// Surface is the surface the event concerns, when there is one.
	Surface surface.ID

	// MessageType is the message type involved, when there is one.
	MessageType string

	// Detail is a human-readable elaboration.
	Detail string
}
