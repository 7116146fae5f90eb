// Package chat implements 1:1 messaging: the per-conversation message log,
// its delivery states and the per-user inbox projection derived from it.
package chat

import (
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/lalith-99/echosocial/internal/apperr"
	"github.com/lalith-99/echosocial/internal/docstore"
	"github.com/lalith-99/echosocial/internal/models"
)

const previewRunes = 100

// ConversationID is the canonical id of the conversation between a and b:
// both ids sorted and joined with "_". It is the same for either order.
func ConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

// Participants returns the sorted pair a conversation is keyed on.
func Participants(a, b string) []string {
	p := []string{a, b}
	slices.Sort(p)
	return p
}

// ValidatePair rejects pairs that cannot form a conversation.
func ValidatePair(op, a, b string) error {
	if a == "" || b == "" {
		return apperr.Validation(op, "both users are required")
	}
	if a == b {
		return apperr.Validation(op, "cannot message yourself")
	}
	for _, id := range []string{a, b} {
		if !docstore.ValidSegment(id) || strings.Contains(id, "_") {
			return apperr.Validationf(op, "invalid user id %q", id)
		}
	}
	return nil
}

// CheckContent trims a message body and media reference and resolves its
// kind. Either text or media must be present; media kinds need media. An
// empty kind becomes text, or image when only media is given.
func CheckContent(op, text, mediaURL string, kind models.MessageKind) (string, string, models.MessageKind, error) {
	text = strings.TrimSpace(text)
	mediaURL = strings.TrimSpace(mediaURL)
	if text == "" && mediaURL == "" {
		return "", "", "", apperr.Validation(op, "message is empty")
	}
	if kind == "" {
		kind = models.KindText
		if mediaURL != "" {
			kind = models.KindImage
		}
	}
	if !kind.Valid() {
		return "", "", "", apperr.Validationf(op, "unknown message kind %q", kind)
	}
	if kind == models.KindText && text == "" {
		return "", "", "", apperr.Validation(op, "text message is empty")
	}
	if kind != models.KindText && mediaURL == "" {
		return "", "", "", apperr.Validationf(op, "%s message needs media", kind)
	}
	return text, mediaURL, kind, nil
}

// Preview is the inbox summary of a message.
func Preview(text string, kind models.MessageKind) string {
	text = strings.TrimSpace(text)
	switch kind {
	case models.KindVoice:
		if text == "" {
			return "Voice message"
		}
	case models.KindImage:
		if text == "" {
			return "Photo"
		}
	case models.KindVideo:
		if text == "" {
			return "Video"
		}
	}
	return truncate(text, previewRunes)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
