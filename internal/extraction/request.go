package extraction

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Accepted media types
const (
	MediaJPEG = "image/jpeg"
	MediaPNG  = "image/png"
	MediaPDF  = "application/pdf"
	MediaHEIC = "image/heic"
	MediaHEIF = "image/heif"
)

// ErrUnsupportedMediaType is returned for documents the remote model cannot read
var ErrUnsupportedMediaType = errors.New("unsupported media type")

// ErrUnreadableDocument is returned when a payload cannot be decoded locally
var ErrUnreadableDocument = errors.New("unreadable document")

// Document is one uploaded file. It is never modified after creation.
type Document struct {
	Name      string
	MediaType string
	Data      []byte
}

// NewDocument creates a Document, normalizing the declared media type and
// falling back to the filename extension when none was declared.
func NewDocument(name, mediaType string, data []byte) Document {
	return Document{
		Name:      name,
		MediaType: DetectMediaType(name, mediaType),
		Data:      data,
	}
}

// DetectMediaType lower-cases and trims the declared type, inferring it from
// the extension when it is empty or a generic octet-stream.
func DetectMediaType(filename, declared string) string {
	mediaType := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	if mediaType != "" && mediaType != "application/octet-stream" {
		if mediaType == "image/jpg" {
			return MediaJPEG
		}
		return mediaType
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return MediaJPEG
	case ".png":
		return MediaPNG
	case ".pdf":
		return MediaPDF
	case ".heic":
		return MediaHEIC
	case ".heif":
		return MediaHEIF
	default:
		return "application/octet-stream"
	}
}

// Request is the single call made to the remote model for one document
type Request struct {
	Instruction string
	MediaType   string
	Data        []byte
}

// BuildRequest pairs the fixed instruction with the document payload.
// HEIC and HEIF images are converted to PNG first.
func BuildRequest(doc Document) (Request, error) {
	data, mediaType, err := PrepareDocument(doc.Data, doc.MediaType)
	if err != nil {
		return Request{}, fmt.Errorf("preparing %s: %w", doc.Name, err)
	}
	return Request{
		Instruction: Instruction,
		MediaType:   mediaType,
		Data:        data,
	}, nil
}
