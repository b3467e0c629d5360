// Package transport owns the persistent bidirectional telemetry channel of one
// session: a WebSocket to <base url><session id>.
//
// Open events set the connection status to true. Close events, clean or
// error-induced, set it to false and drop the channel handle; reconnecting is
// left to the reconnect package. Inbound frames are validated and handed to a
// MessageSink; outbound messages are only written while connected.
package transport
