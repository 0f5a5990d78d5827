// Package extract turns PDF pages into raw text. It tries the text layer
// first and falls back to rendering the page and running OCR when the text
// layer is missing or too sparse to be useful.
package extract

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrAllPagesFailed is returned when no page of a document yielded any text.
// Individual page failures are recorded per page and do not abort extraction.
var ErrAllPagesFailed = errors.New("text extraction failed for every page")

// Quality records how a page's text was obtained.
type Quality string

const (
	QualityDirect Quality = "direct"
	QualityOCR    Quality = "ocr"
	QualityFailed Quality = "failed"
)

// PageResult is the extraction outcome for a single page. A failed page has
// an empty Text, QualityFailed and a non-nil Err; the document continues.
type PageResult struct {
	Number  int
	Text    string
	Quality Quality
	Err     error
}

// Result is the extraction outcome for a whole document.
type Result struct {
	Pages   []PageResult
	OCRUsed bool
}

// FailedPages lists the page numbers that yielded no text.
func (r *Result) FailedPages() []int {
	var failed []int
	for _, p := range r.Pages {
		if p.Quality == QualityFailed {
			failed = append(failed, p.Number)
		}
	}
	return failed
}

// Text concatenates all successfully extracted page texts.
func (r *Result) Text() string {
	var b strings.Builder
	for _, p := range r.Pages {
		b.WriteString(p.Text)
	}
	return b.String()
}

// Extractor extracts text from PDF documents page by page.
type Extractor struct {
	ocr          OCRClient
	minPageChars int
	pageTimeout  time.Duration
	logger       *slog.Logger
}

// NewExtractor creates an extractor. minPageChars is the density floor below
// which a page is treated as image-only and sent to OCR.
func NewExtractor(ocr OCRClient, minPageChars int, pageTimeout time.Duration, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if pageTimeout <= 0 {
		pageTimeout = 60 * time.Second
	}
	return &Extractor{
		ocr:          ocr,
		minPageChars: minPageChars,
		pageTimeout:  pageTimeout,
		logger:       logger,
	}
}

// ExtractDocument extracts text from every page of the PDF at path.
// Page-level failures are recorded in the result, not returned as errors;
// the call fails only when the page count cannot be read or every page
// failed.
func (e *Extractor) ExtractDocument(ctx context.Context, path string) (*Result, error) {
	totalPages, err := pageCount(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("page count: %w", err)
	}

	result := &Result{Pages: make([]PageResult, 0, totalPages)}
	succeeded := 0

	for pageNum := 1; pageNum <= totalPages; pageNum++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		text, quality, pageErr := e.extractPage(ctx, path, pageNum)
		if pageErr != nil {
			e.logger.Warn("page extraction failed", "page", pageNum, "error", pageErr)
			result.Pages = append(result.Pages, PageResult{
				Number:  pageNum,
				Quality: QualityFailed,
				Err:     pageErr,
			})
			continue
		}

		if quality == QualityOCR {
			result.OCRUsed = true
		}
		result.Pages = append(result.Pages, PageResult{
			Number:  pageNum,
			Text:    cleanText(text),
			Quality: quality,
		})
		succeeded++
	}

	if succeeded == 0 && totalPages > 0 {
		return nil, fmt.Errorf("%w: %d pages", ErrAllPagesFailed, totalPages)
	}
	return result, nil
}

// extractPage tries the text layer, then OCR.
func (e *Extractor) extractPage(ctx context.Context, path string, pageNum int) (string, Quality, error) {
	pageCtx, cancel := context.WithTimeout(ctx, e.pageTimeout)
	defer cancel()

	text, directErr := pdfToText(pageCtx, path, pageNum)
	if directErr == nil && !needsOCR(text, e.minPageChars) {
		return text, QualityDirect, nil
	}

	text, ocrErr := e.ocrPage(pageCtx, path, pageNum)
	if ocrErr != nil {
		if directErr != nil {
			return "", QualityFailed, fmt.Errorf("direct: %v; ocr: %w", directErr, ocrErr)
		}
		return "", QualityFailed, fmt.Errorf("ocr: %w", ocrErr)
	}
	return text, QualityOCR, nil
}

// ocrPage renders the page to an image and runs OCR on it. The rendered
// image lives in a temp directory that is removed whether or not OCR
// succeeds.
func (e *Extractor) ocrPage(ctx context.Context, path string, pageNum int) (string, error) {
	tempDir, err := os.MkdirTemp("", "hieradoc-ocr-*")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	imagePath, err := renderPage(ctx, path, pageNum, tempDir)
	if err != nil {
		return "", err
	}
	return e.ocr.Recognize(ctx, imagePath)
}

// needsOCR reports whether directly extracted text is too sparse to trust,
// indicating an image-only or scanned page.
func needsOCR(text string, minPageChars int) bool {
	return len(strings.TrimSpace(text)) < minPageChars
}

// pdfToText extracts the text layer of a single page with pdftotext.
func pdfToText(ctx context.Context, path string, pageNum int) (string, error) {
	cmd := exec.CommandContext(ctx, "pdftotext",
		"-f", strconv.Itoa(pageNum),
		"-l", strconv.Itoa(pageNum),
		"-enc", "UTF-8", "-nopgbrk",
		path, "-")
	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("pdftotext page %d: %w", pageNum, err)
	}
	return out.String(), nil
}

// renderPage rasterizes a single page to PNG and returns the image path.
func renderPage(ctx context.Context, path string, pageNum int, outDir string) (string, error) {
	cmd := exec.CommandContext(ctx, "pdftoppm",
		"-f", strconv.Itoa(pageNum),
		"-l", strconv.Itoa(pageNum),
		"-r", "300",
		"-png", path, filepath.Join(outDir, "page"))
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("pdftoppm page %d: %w", pageNum, err)
	}

	matches, err := filepath.Glob(filepath.Join(outDir, "page-*.png"))
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("no rendered image for page %d", pageNum)
	}
	return matches[0], nil
}

var pagesRe = regexp.MustCompile(`Pages:\s+(\d+)`)

// pageCount reads the total page count with pdfinfo.
func pageCount(ctx context.Context, path string) (int, error) {
	cmd := exec.CommandContext(ctx, "pdfinfo", path)
	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("pdfinfo: %w", err)
	}

	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		if matches := pagesRe.FindStringSubmatch(scanner.Text()); len(matches) == 2 {
			return strconv.Atoi(matches[1])
		}
	}
	return 0, fmt.Errorf("page count not found in pdfinfo output")
}

var cleanReplacer = strings.NewReplacer(
	"\x00", "",
	"�", "", // unicode replacement character
	"\x1b", "", // escape
	"\r", "",
	"\f", "\n", // form feed to newline
)

var multiSpaceRe = regexp.MustCompile(`[ \t]{2,}`)

// cleanText strips control characters and collapses runs of spaces left
// behind by pdftotext and OCR output.
func cleanText(text string) string {
	cleaned := cleanReplacer.Replace(text)
	cleaned = multiSpaceRe.ReplaceAllString(cleaned, " ")
	return strings.TrimSpace(cleaned)
}
