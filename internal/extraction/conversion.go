package extraction

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// pdfToImage renders the first page of a PDF as PNG
func pdfToImage(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	if doc.NumPage() == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}

	return buf.Bytes(), nil
}

// imageToPNG converts any supported image format to PNG
func imageToPNG(imageData []byte, mimeType string) ([]byte, error) {
	var img image.Image
	var err error

	// Go's standard image package doesn't support HEIC
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(imageData))
		if err != nil {
			if strings.Contains(err.Error(), "unknown format") {
				return nil, fmt.Errorf("%w: cannot decode image: %v", ErrUnsupportedMediaType, err)
			}
			return nil, fmt.Errorf("decoding image: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}

	return buf.Bytes(), nil
}

// isHEICFormat checks for an ftyp box with a HEIC-family brand
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if string(data[4:8]) != "ftyp" {
		return false
	}
	brand := string(data[8:12])
	return brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1"
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return mimeType == MediaHEIC || mimeType == MediaHEIF
}

// PrepareDocument returns a payload the remote model accepts natively.
// JPEG, PNG and PDF pass through untouched; HEIC and HEIF become PNG.
// Anything else is rejected with ErrUnsupportedMediaType.
func PrepareDocument(data []byte, mediaType string) ([]byte, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty document")
	}

	switch {
	case isHEICMimeType(mediaType) || isHEICFormat(data):
		pngData, err := imageToPNG(data, mediaType)
		if err != nil {
			return nil, "", fmt.Errorf("%w: converting image to PNG: %v", ErrUnreadableDocument, err)
		}
		return pngData, MediaPNG, nil
	case mediaType == MediaJPEG, mediaType == MediaPNG, mediaType == MediaPDF:
		return data, mediaType, nil
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedMediaType, mediaType)
	}
}

// ToPNG converts a prepared payload to PNG for backends that only read
// raster images. PDFs are rendered from their first page.
func ToPNG(data []byte, mediaType string) ([]byte, error) {
	switch mediaType {
	case MediaPNG:
		return data, nil
	case MediaPDF:
		pngData, err := pdfToImage(data)
		if err != nil {
			return nil, fmt.Errorf("%w: converting PDF to image: %v", ErrUnreadableDocument, err)
		}
		return pngData, nil
	default:
		pngData, err := imageToPNG(data, mediaType)
		if err != nil {
			return nil, fmt.Errorf("%w: converting image to PNG: %v", ErrUnreadableDocument, err)
		}
		return pngData, nil
	}
}
