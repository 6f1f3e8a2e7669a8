// Package protocol implements the relay wire format: JSON-RPC 2.0 frames
// carried over WebSocket text messages.
//
// Inbound frames are decoded once by DecodeCall into a closed set of Call
// types, so request handling is a type switch over JoinCall, LeaveCall,
// SendCall, StatusCall and InvalidCall. Malformed input never fails the
// decoder; it becomes an InvalidCall carrying a ProtocolError that is
// answered like any other request.
//
// Error is both the wire error object and the Go error returned by the relay
// core, so every failure has exactly one stable code.
package protocol
