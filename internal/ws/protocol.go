package ws

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/jpeg"
	"time"

	"github.com/visionwatch/backend/internal/stats"
)

type MessageType string

const (
	MsgResult MessageType = "result"
	MsgStatus MessageType = "status"
	MsgError  MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// ResultPayload is one monitoring result pushed to clients. Frame is the
// analyzed frame as base64 JPEG, omitted when encoding fails.
type ResultPayload struct {
	Answer    string    `json:"answer"`
	ElapsedMS int64     `json:"elapsedMs"`
	At        time.Time `json:"at"`
	Frame     string    `json:"frame,omitempty"`
}

// StatusPayload is the periodic status snapshot.
type StatusPayload struct {
	Ready   bool            `json:"ready"`
	Paused  bool            `json:"paused"`
	Clients int             `json:"clients"`
	Stats   stats.Snapshot  `json:"stats"`
	Host    stats.HostStats `json:"host"`
}

// QueryRequest is the /api/query body: an arbitrary prompt plus the
// frame to analyze as base64 JPEG.
type QueryRequest struct {
	Prompt string `json:"prompt"`
	Image  string `json:"image"`
}

// QueryResponse is the /api/query reply.
type QueryResponse struct {
	ID        string `json:"id"`
	Answer    string `json:"answer"`
	ElapsedMS int64  `json:"elapsedMs"`
}

// jpegQuality keeps pushed frames small; they are preview images, not
// archival captures.
const jpegQuality = 70

// EncodeFrame renders img as base64 JPEG for the wire. Returns "" when
// encoding fails; the result payload is still useful without the frame.
func EncodeFrame(img image.Image) string {
	if img == nil {
		return ""
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// DecodeFrame parses a base64 JPEG uploaded by a client.
func DecodeFrame(data string) (image.Image, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}
	img, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	return img, nil
}
