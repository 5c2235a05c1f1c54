// Package errors provides standardized error handling for cvmkit components,
// connectors and virtual machines.
//
// # Error Classification
//
// Errors fall into three classes that drive how callers react:
//
//   - Transient: transport failures, timeouts, unreachable peers (retry recommended)
//   - Invalid: precondition violations such as calling an unconnected port or
//     scheduling a task before a component executes (abort only the operation)
//   - Fatal: failures raised during a CVM phase transition (abort the deployment)
//
// # Wrapping Pattern
//
// All wrapping follows "component.method: action failed: %w":
//
//	errors.Wrap(err, "Port", "Call", "forward invocation")
//	errors.WrapInvalid(errors.ErrNotConnected, "Port", "Call", "connection check")
//	errors.WrapTransient(err, "Transport", "Dial", "open site connection")
//	errors.WrapFatal(err, "CVM", "Interconnect", "bind connectors")
//
// # Remote Failures
//
// A failure raised by a task behind an offered port on another site comes back
// as *RemoteError, carrying the port, the operation and the original class.
// A CVM phase failure is reported as *PhaseError naming the phase.
package errors
