package server

// JoinResponse is the payload returned by the join endpoint: everything a
// client needs to boot a session engine and connect to the relay.
type JoinResponse struct {
	SessionID     string         `json:"sessionId"`
	SessionName   string         `json:"sessionName"`
	ClientID      string         `json:"clientId"`
	ProtoVersion  int            `json:"protoVersion"`
	SchemaVersion int            `json:"schemaVersion"`
	TimerSec      int            `json:"timerSec"`
	Rooms         []JoinRoomInfo `json:"rooms"`
	WebsocketPath string         `json:"websocketPath"`
}

// JoinRoomInfo mirrors the room declarations so clients can build their
// stores with the same required-key contract the session was configured with.
type JoinRoomInfo struct {
	ID           int      `json:"id"`
	Name         string   `json:"name"`
	RequiredKeys []string `json:"requiredKeys"`
}

// ErrorResponse is the JSON error body for the HTTP surface.
type ErrorResponse struct {
	Error string `json:"error"`
}
