package messaging

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ContentType tags the variant held by a message.
type ContentType uint8

const (
	// ContentText is an inline text message.
	ContentText ContentType = iota + 1
	// ContentImage is a picture stored in the blob store.
	ContentImage
	// ContentVideo is a video clip stored in the blob store.
	ContentVideo
	// ContentAudio is a voice note or audio clip stored in the blob store.
	ContentAudio
	// ContentDocument is an arbitrary file stored in the blob store.
	ContentDocument
)

// String returns the wire name of the content type.
func (t ContentType) String() string {
	switch t {
	case ContentText:
		return "text"
	case ContentImage:
		return "image"
	case ContentVideo:
		return "video"
	case ContentAudio:
		return "audio"
	case ContentDocument:
		return "document"
	default:
		return "invalid_content_" + strconv.Itoa(int(t))
	}
}

// ParseContentType is the inverse of ContentType.String.
func ParseContentType(s string) (ContentType, error) {
	switch s {
	case "text":
		return ContentText, nil
	case "image":
		return ContentImage, nil
	case "video":
		return ContentVideo, nil
	case "audio":
		return ContentAudio, nil
	case "document":
		return ContentDocument, nil
	}
	return 0, fmt.Errorf("unknown content type %q", s)
}

// IsMedia reports whether content of this type is carried by a blob.
func (t ContentType) IsMedia() bool {
	return t >= ContentImage && t <= ContentDocument
}

// Content is the tagged message payload. The concrete types are Text, Image,
// Video, Audio and Document.
type Content interface {
	Type() ContentType
	// MediaRef returns a copy of the blob reference, or nil for inline content.
	MediaRef() *MediaRef
	isContent()
}

// Text is an inline text body.
type Text struct {
	Body string `json:"body"`
}

// Image is a picture with an optional caption.
type Image struct {
	Media   MediaRef `json:"media"`
	Caption string   `json:"caption,omitempty"`
	Width   int      `json:"width,omitempty"`
	Height  int      `json:"height,omitempty"`
}

// Video is a video clip with an optional caption.
type Video struct {
	Media    MediaRef      `json:"media"`
	Caption  string        `json:"caption,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Audio is a voice note or audio clip.
type Audio struct {
	Media    MediaRef      `json:"media"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Document is an arbitrary attached file.
type Document struct {
	Media    MediaRef `json:"media"`
	FileName string   `json:"fileName"`
}

func (Text) Type() ContentType { return ContentText }
func (Image) Type() ContentType { return ContentImage }
func (Video) Type() ContentType { return ContentVideo }
func (Audio) Type() ContentType { return ContentAudio }
func (Document) Type() ContentType { return ContentDocument }

func (Text) MediaRef() *MediaRef { return nil }
func (c Image) MediaRef() *MediaRef { ref := c.Media; return &ref }
func (c Video) MediaRef() *MediaRef { ref := c.Media; return &ref }
func (c Audio) MediaRef() *MediaRef { ref := c.Media; return &ref }
func (c Document) MediaRef() *MediaRef { ref := c.Media; return &ref }

func (Text) isContent() {}
func (Image) isContent() {}
func (Video) isContent() {}
func (Audio) isContent() {}
func (Document) isContent() {}

// WithMedia returns a copy of c pointing at ref. Text content is returned
// unchanged.
func WithMedia(c Content, ref MediaRef) Content {
	switch v := c.(type) {
	case Image:
		v.Media = ref
		return v
	case Video:
		v.Media = ref
		return v
	case Audio:
		v.Media = ref
		return v
	case Document:
		v.Media = ref
		return v
	default:
		return c
	}
}

type contentEnvelope struct {
	Type     string    `json:"type"`
	Text     *Text     `json:"text,omitempty"`
	Image    *Image    `json:"image,omitempty"`
	Video    *Video    `json:"video,omitempty"`
	Audio    *Audio    `json:"audio,omitempty"`
	Document *Document `json:"document,omitempty"`
}

// MarshalContent encodes c as a tagged JSON envelope.
func MarshalContent(c Content) ([]byte, error) {
	env := contentEnvelope{}
	switch v := c.(type) {
	case Text:
		env.Text = &v
	case Image:
		env.Image = &v
	case Video:
		env.Video = &v
	case Audio:
		env.Audio = &v
	case Document:
		env.Document = &v
	default:
		return nil, fmt.Errorf("unsupported content %T", c)
	}
	env.Type = c.Type().String()
	return json.Marshal(env)
}

// UnmarshalContent decodes an envelope produced by MarshalContent.
func UnmarshalContent(b []byte) (Content, error) {
	var env contentEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode content envelope: %w", err)
	}
	t, err := ParseContentType(env.Type)
	if err != nil {
		return nil, err
	}
	var c Content
	switch t {
	case ContentText:
		if env.Text != nil {
			c = *env.Text
		}
	case ContentImage:
		if env.Image != nil {
			c = *env.Image
		}
	case ContentVideo:
		if env.Video != nil {
			c = *env.Video
		}
	case ContentAudio:
		if env.Audio != nil {
			c = *env.Audio
		}
	case ContentDocument:
		if env.Document != nil {
			c = *env.Document
		}
	}
	if c == nil {
		return nil, fmt.Errorf("content envelope %q has no %s body", env.Type, env.Type)
	}
	return c, nil
}
