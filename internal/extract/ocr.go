package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// OCR error kinds. Implementations wrap these so callers can distinguish a
// missing engine from a page the engine could not read.
var (
	ErrOCRUnavailable = errors.New("ocr engine unavailable")
	ErrOCRUnsupported = errors.New("unsupported image format")
	ErrOCRTimeout     = errors.New("ocr timed out")
)

// OCRClient recognizes text in a rendered page image. Implementations stand
// in for the external OCR service; tests substitute a fake.
type OCRClient interface {
	Recognize(ctx context.Context, imagePath string) (string, error)
}

// TesseractClient runs the tesseract binary against page images.
type TesseractClient struct {
	// Languages is a tesseract language pack list like "eng" or "vie+rus+eng".
	Languages string
}

// NewTesseractClient creates an OCR client for the given language packs.
func NewTesseractClient(languages string) *TesseractClient {
	if languages == "" {
		languages = "eng"
	}
	return &TesseractClient{Languages: languages}
}

// Recognize runs tesseract on a single page image and returns the text.
func (t *TesseractClient) Recognize(ctx context.Context, imagePath string) (string, error) {
	cmd := exec.CommandContext(ctx, "tesseract",
		imagePath,
		"stdout",
		"-l", t.Languages,
		"--oem", "3", // LSTM engine
		"--psm", "3", // automatic page segmentation
	)
	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", ErrOCRTimeout, err)
		}
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("%w: tesseract not installed", ErrOCRUnavailable)
		}
		return "", fmt.Errorf("%w: %v", ErrOCRUnavailable, err)
	}

	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", fmt.Errorf("%w: no text recognized", ErrOCRUnsupported)
	}
	return text, nil
}
