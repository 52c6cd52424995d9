package mockapi

import "encoding/json"

type loginRequest struct {
	Username string `json:"username"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenPair is the body of login and refresh responses.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type meResponse struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	SessionID string `json:"session_id"`
}

type publishRequest struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

type publishResponse struct {
	Delivered int `json:"delivered"`
}
