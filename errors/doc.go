// Package errors provides a three-class error classification system used
// throughout the gateway: Transient (temporary, retryable), Invalid (bad
// input, non-retryable), and Fatal (unrecoverable, stop processing).
//
// # Overview
//
// Device sessions, the ingress router, and the egress pump all need to make
// different decisions depending on why an operation failed. A broker
// disconnect should be retried with backoff; a malformed topic should be
// logged and dropped; a violated invariant should stop the session rather
// than spin forever. Classification lets callers make that decision by type
// instead of matching on error strings.
//
// # Error Classification
//
//   - Transient: broker/device connection loss, read/write timeouts,
//     context deadline exceeded (retry recommended)
//   - Invalid: unparseable MQTT topics, malformed JSON envelopes (do not
//     retry, drop and log)
//   - Fatal: invariant violations, unrecoverable device protocol state
//     (stop the session)
//
// Classification integrates with errors.Is, errors.As, and Go's standard
// wrapping chains.
//
// # Quick Start
//
//	if !session.connected {
//	    return errors.ErrConnectionLost
//	}
//
//	if err := transport.Read(buf); err != nil {
//	    return errors.WrapTransient(err, "RobotSession", "readFrame", "socket read")
//	}
//
//	if err := operation(); err != nil {
//	    if errors.IsTransient(err) {
//	        // caller retries with its own backoff; see mqttclient.Client's
//	        // connectWithBackoff for the gateway's one retry loop
//	    } else if errors.IsFatal(err) {
//	        session.stop()
//	    }
//	}
//
// # Error Wrapping Pattern
//
// Wrapping follows a consistent "component.method: action failed: %w"
// format for predictable log parsing:
//
//	errors.WrapTransient(err, "Component", "Method", "action")  // retryable
//	errors.WrapInvalid(err, "Component", "Method", "action")    // bad input
//	errors.WrapFatal(err, "Component", "Method", "action")      // unrecoverable
//	errors.Wrap(err, "Component", "Method", "action")           // preserves class
//
// # Standard Error Variables
//
// Pre-defined sentinels cover the gateway's common failure modes:
//
//   - Session lifecycle: ErrAlreadyConnected, ErrNotConnected, ErrAlreadyStopped, ErrShuttingDown
//   - Transport: ErrConnectionLost, ErrConnectionTimeout, ErrFrameReadTimeout
//   - Ingress/plan data: ErrUnparseableTopic, ErrMalformedEnvelope, ErrUnknownDeviceKey, ErrPlanNotAcked
//   - Internal consistency: ErrInvariantViolation
//
// # Integration with errors.As/Is
//
//	var ce *errors.ClassifiedError
//	if errors.As(err, &ce) {
//	    log.Printf("component: %s, class: %s", ce.Component, ce.Class)
//	}
//
//	if errors.Is(err, errors.ErrConnectionLost) {
//	    // handle disconnect specifically
//	}
//
// Classification survives wrapping:
//
//	wrapped := errors.Wrap(errors.ErrConnectionLost, "RobotSession", "Connect", "dial")
//	errors.IsTransient(wrapped) // true
//
// # Context Cancellation
//
// context.DeadlineExceeded is classified as Transient automatically, so
// session read/write loops handle context timeouts the same way they handle
// network timeouts. context.Canceled is not classified as Transient: a
// cancelled context is a normal stop, not a fault.
//
// # Thread Safety
//
// All classification and wrapping operations are thread-safe. Error
// variables are immutable and safe for concurrent access.
package errors
