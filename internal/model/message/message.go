package message

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names a recognized content shape.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindDocument Kind = "document"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
	KindSticker  Kind = "sticker"
	KindUnknown  Kind = "unknown"
)

// kindOrder is the precedence used when a payload carries several fields.
var kindOrder = []Kind{KindText, KindImage, KindDocument, KindAudio, KindVideo, KindSticker}

var (
	ErrEmptyContent   = errors.New("message content is required")
	ErrInvalidContent = errors.New("invalid message content")
)

// IsMedia reports whether the kind carries a media attachment.
func (k Kind) IsMedia() bool {
	switch k {
	case KindImage, KindDocument, KindAudio, KindVideo, KindSticker:
		return true
	}
	return false
}

// Media describes an attachment either by URL or inline base64 data.
type Media struct {
	URL      string `json:"url,omitempty"`
	Base64   string `json:"base64,omitempty"`
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"filename,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
}

// Bytes decodes the inline payload.
func (m *Media) Bytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(m.Base64)
	if err != nil {
		return nil, fmt.Errorf("decode base64 media: %w", err)
	}
	return data, nil
}

// Content is a tagged union over the recognized content kinds. Exactly one of
// Text or Media is meaningful, selected by Kind.
type Content struct {
	Kind  Kind
	Text  string
	Media *Media
}

// Text builds a text content.
func Text(text string) Content {
	return Content{Kind: KindText, Text: text}
}

// WithMedia builds a media content of the given kind.
func WithMedia(kind Kind, media Media) Content {
	return Content{Kind: kind, Media: &media}
}

// Validate checks that the content is sendable.
func (c Content) Validate() error {
	switch {
	case c.Kind == KindText:
		if c.Text == "" {
			return ErrEmptyContent
		}
	case c.Kind.IsMedia():
		if c.Media == nil || (c.Media.URL == "" && c.Media.Base64 == "") {
			return fmt.Errorf("%w: %s requires url or base64", ErrInvalidContent, c.Kind)
		}
		if c.Kind == KindDocument && c.Media.FileName == "" {
			return fmt.Errorf("%w: document requires filename", ErrInvalidContent)
		}
	default:
		return ErrEmptyContent
	}
	return nil
}

// MarshalJSON renders the union as a single-key object, e.g. {"text":"hi"}.
func (c Content) MarshalJSON() ([]byte, error) {
	switch {
	case c.Kind == KindText:
		return json.Marshal(map[string]string{"text": c.Text})
	case c.Kind.IsMedia() && c.Media != nil:
		return json.Marshal(map[string]*Media{string(c.Kind): c.Media})
	default:
		return []byte("{}"), nil
	}
}

// UnmarshalJSON picks the first recognized content field.
func (c *Content) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	for _, kind := range kindOrder {
		raw, ok := fields[string(kind)]
		if !ok || string(raw) == "null" {
			continue
		}
		if kind == KindText {
			var text string
			if err := json.Unmarshal(raw, &text); err != nil {
				return fmt.Errorf("text: %w", err)
			}
			if text == "" {
				continue
			}
			*c = Text(text)
			return nil
		}
		var media Media
		if err := json.Unmarshal(raw, &media); err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
		*c = WithMedia(kind, media)
		return nil
	}

	*c = Content{Kind: KindUnknown}
	return nil
}

// Envelope is the normalized shape of one inbound or outbound message used in
// events and webhook payloads.
type Envelope struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Message   Content   `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Type      Kind      `json:"type"`
	SessionID string    `json:"sessionId"`
}

// NewEnvelope stamps a fresh id and the current time.
func NewEnvelope(sessionID, from, to string, content Content) Envelope {
	kind := content.Kind
	if kind == "" {
		kind = KindUnknown
	}
	return Envelope{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Message:   content,
		Timestamp: time.Now().UTC(),
		Type:      kind,
		SessionID: sessionID,
	}
}

// SendResult is what the protocol client reports for an accepted send.
type SendResult struct {
	ID        string    `json:"id"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}
