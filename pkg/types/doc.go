// Package types defines the wire data structures shared by the HMI telemetry
// synchronization client and the telemetry simulator.
//
// This package contains:
//   - Topic and TopicKey, the addressable telemetry/control point
//   - UpdateMessage and WsMessage, the server -> client update batch
//   - RegisterRequest, the client -> server registration
//   - CommandRequest and CommandResponse, the supervisory control call
//   - ConnState, the connection tri-state
package types
