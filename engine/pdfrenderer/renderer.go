package pdfrenderer

import (
	"errors"
	"fmt"
	"image"
)

// NativeDPI is the resolution at which one rendered pixel equals one PDF point
const NativeDPI = 72

// ErrPageOutOfRange is returned when a page index is outside the document
var ErrPageOutOfRange = errors.New("page index out of range")

// PageSize is the native size of a page in PDF points
type PageSize struct {
	Width  float64
	Height float64
}

// Renderer defines the capability interface for opening PDF documents
type Renderer interface {
	// Open opens the PDF at path, the returned Document must be closed by the caller
	Open(path string) (Document, error)

	// Close cleans up any resources used by the renderer
	Close() error
}

// Document is an opened PDF. Implementations are not required to be safe for
// concurrent page operations, callers serialise RenderPage.
type Document interface {
	// PageCount is fetched once at open time and never changes
	PageCount() int

	// PageSize returns the native page size in points
	PageSize(index int) (PageSize, error)

	// RenderPage rasterises the whole page at native size multiplied by scale
	RenderPage(index int, scale float64) (image.Image, error)

	Close() error
}

// NewRenderer creates a renderer for the named backend, "pdfium" (pure Go) is the default
func NewRenderer(backend string) (Renderer, error) {
	switch backend {
	case "", "pdfium":
		return NewPDFiumRenderer()
	case "fitz", "mupdf":
		return NewFitzRenderer()
	default:
		return nil, fmt.Errorf("unknown renderer backend %q", backend)
	}
}

func checkPage(index, count int) error {
	if index < 0 || index >= count {
		return fmt.Errorf("page %d of %d: %w", index, count, ErrPageOutOfRange)
	}
	return nil
}

func scaledDPI(scale float64) float64 {
	if scale <= 0 {
		scale = 1
	}
	return NativeDPI * scale
}
