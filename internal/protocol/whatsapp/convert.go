package whatsapp

import (
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"github.com/zhouzirui/wagate/backend/internal/model/message"
)

// inboundContent maps a received protobuf message onto the content union.
// The downloadable part is nil for text and unknown messages.
func inboundContent(msg *waE2E.Message) (message.Content, whatsmeow.DownloadableMessage, string) {
	if msg == nil {
		return message.Content{Kind: message.KindUnknown}, nil, ""
	}

	switch {
	case msg.GetConversation() != "":
		return message.Text(msg.GetConversation()), nil, ""
	case msg.GetExtendedTextMessage().GetText() != "":
		return message.Text(msg.GetExtendedTextMessage().GetText()), nil, ""
	}

	if im := msg.GetImageMessage(); im != nil {
		return message.WithMedia(message.KindImage, message.Media{
			Caption:  im.GetCaption(),
			MimeType: im.GetMimetype(),
		}), im, im.GetMimetype()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		name := doc.GetFileName()
		if name == "" {
			name = doc.GetTitle()
		}
		return message.WithMedia(message.KindDocument, message.Media{
			Caption:  doc.GetCaption(),
			FileName: name,
			MimeType: doc.GetMimetype(),
		}), doc, doc.GetMimetype()
	}
	if au := msg.GetAudioMessage(); au != nil {
		return message.WithMedia(message.KindAudio, message.Media{
			MimeType: au.GetMimetype(),
		}), au, au.GetMimetype()
	}
	if vi := msg.GetVideoMessage(); vi != nil {
		return message.WithMedia(message.KindVideo, message.Media{
			Caption:  vi.GetCaption(),
			MimeType: vi.GetMimetype(),
		}), vi, vi.GetMimetype()
	}
	if st := msg.GetStickerMessage(); st != nil {
		return message.WithMedia(message.KindSticker, message.Media{
			MimeType: st.GetMimetype(),
		}), st, st.GetMimetype()
	}

	return message.Content{Kind: message.KindUnknown}, nil, ""
}

// mediaType selects the upload bucket for a content kind.
func mediaType(kind message.Kind) whatsmeow.MediaType {
	switch kind {
	case message.KindImage, message.KindSticker:
		return whatsmeow.MediaImage
	case message.KindVideo:
		return whatsmeow.MediaVideo
	case message.KindAudio:
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

// mediaMessage builds the outbound protobuf for an uploaded attachment.
func mediaMessage(kind message.Kind, media message.Media, mimeType string, up whatsmeow.UploadResponse) *waE2E.Message {
	switch kind {
	case message.KindImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       optional(media.Caption),
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case message.KindVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       optional(media.Caption),
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case message.KindAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case message.KindSticker:
		return &waE2E.Message{StickerMessage: &waE2E.StickerMessage{
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Title:         proto.String(media.FileName),
			FileName:      proto.String(media.FileName),
			Caption:       optional(media.Caption),
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}
