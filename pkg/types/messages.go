package types

// UpdateMessage pairs a session with one topic carrying a fresh value.
type UpdateMessage struct {
	SessionID string `json:"session_id"`
	Topic     Topic  `json:"topic"`
}

// WsMessage is the batch envelope delivered over the stream and fanned out
// to subscribers. Updates keep the order the server produced them in.
type WsMessage struct {
	Updates []UpdateMessage `json:"updates"`
}

// Len returns the number of updates in the batch.
func (m WsMessage) Len() int {
	return len(m.Updates)
}

// RegisterRequest declares the topics a session wants updates for.
// It is sent on every connection establishment and whenever the visible
// topic set changes. Topics are sent as given, duplicates included.
type RegisterRequest struct {
	SessionID string  `json:"session_id"`
	Topics    []Topic `json:"topics"`
}

// CommandRequest issues a supervisory control value to a field device point.
type CommandRequest struct {
	Topic Topic `json:"topic"`
}

// CommandResponse is the reply of the control endpoint.
type CommandResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

// HealthResponse is returned by the simulator health endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Sessions  int    `json:"sessions"`
	Timestamp string `json:"timestamp"`
}

// ErrorResponse is the body of a failed HTTP request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
