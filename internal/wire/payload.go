package wire

import (
	"errors"
	"strings"
)

type PayloadKind string

const (
	PayloadText  PayloadKind = "text"
	PayloadImage PayloadKind = "image"
	PayloadVideo PayloadKind = "video"
)

type Payload struct {
	Kind     PayloadKind
	Text     string
	Media    []byte
	MimeType string
}

func Text(s string) Payload { return Payload{Kind: PayloadText, Text: s} }

// Media builds an image or video payload; Text becomes the caption.
func Media(kind PayloadKind, data []byte, mime, caption string) Payload {
	return Payload{Kind: kind, Media: data, MimeType: mime, Text: caption}
}

var ErrEmptyPayload = errors.New("wire: empty payload")

func (p Payload) Validate() error {
	switch p.Kind {
	case PayloadText:
		if strings.TrimSpace(p.Text) == "" {
			return ErrEmptyPayload
		}
	case PayloadImage, PayloadVideo:
		if len(p.Media) == 0 {
			return ErrEmptyPayload
		}
	default:
		return errors.New("wire: unknown payload kind " + string(p.Kind))
	}
	return nil
}
