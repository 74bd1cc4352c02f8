package pipeline

import (
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/jholhewres/leadline/pkg/leadline/storage"
)

// extractContent pulls the storable payload out of a wire message.
// Plain and extended text map to text, audio notes to audio with empty
// content, and media captions count as the text the user typed. Other
// kinds (stickers, reactions, calls, protocol frames) are not
// conversation material and report ok=false.
func extractContent(msg *waE2E.Message) (string, storage.MessageType, bool) {
	if msg == nil {
		return "", "", false
	}

	if text := msg.GetConversation(); text != "" {
		return text, storage.TypeText, true
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		if text := ext.GetText(); text != "" {
			return text, storage.TypeText, true
		}
	}
	if msg.GetAudioMessage() != nil {
		return "", storage.TypeAudio, true
	}
	if img := msg.GetImageMessage(); img != nil {
		if caption := img.GetCaption(); caption != "" {
			return caption, storage.TypeText, true
		}
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		if caption := vid.GetCaption(); caption != "" {
			return caption, storage.TypeText, true
		}
	}

	// Disappearing and view-once wrappers carry a normal message inside.
	if eph := msg.GetEphemeralMessage(); eph != nil {
		return extractContent(eph.GetMessage())
	}
	if once := msg.GetViewOnceMessage(); once != nil {
		return extractContent(once.GetMessage())
	}

	return "", "", false
}
