package v1

// ErrorPayload is the data of a TypeError envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectedPayload is the data of a TypeConnected or TypeSubscribed greeting.
type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
	Subject      string `json:"subject,omitempty"`
}
