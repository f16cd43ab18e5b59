package models

// FileMetadata describes the file offered in a room.
type FileMetadata struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType,omitempty"`
}

// CreatedRoom is returned by the relay when a room is created.
type CreatedRoom struct {
	RoomID string `json:"roomId"`
	URL    string `json:"url"`
}

// RoomInfo reports a room's metadata and presence.
type RoomInfo struct {
	Exists            bool         `json:"exists"`
	Metadata          FileMetadata `json:"metadata"`
	SenderConnected   bool         `json:"senderConnected"`
	ReceiverConnected bool         `json:"receiverConnected"`
}
