package pdfrenderer

import (
	"fmt"
	"image"
	"sync"

	"github.com/gen2brain/go-fitz"
)

// FitzRenderer implements PDF rendering using go-fitz (requires CGo and MuPDF)
type FitzRenderer struct {
}

// NewFitzRenderer creates a new Fitz-based PDF renderer
func NewFitzRenderer() (*FitzRenderer, error) {
	return &FitzRenderer{}, nil
}

// Open opens the PDF document with MuPDF
func (r *FitzRenderer) Open(path string) (Document, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open PDF document: %w", err)
	}
	return &fitzDocument{doc: doc, pageCount: doc.NumPage()}, nil
}

// Close is a no-op, each document owns its MuPDF context
func (r *FitzRenderer) Close() error {
	return nil
}

type fitzDocument struct {
	mu        sync.Mutex
	doc       *fitz.Document
	pageCount int
}

func (d *fitzDocument) PageCount() int {
	return d.pageCount
}

func (d *fitzDocument) PageSize(index int) (PageSize, error) {
	if err := checkPage(index, d.pageCount); err != nil {
		return PageSize{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	bounds, err := d.doc.Bound(index)
	if err != nil {
		return PageSize{}, fmt.Errorf("unable to get size of page %d: %w", index, err)
	}
	return PageSize{Width: float64(bounds.Dx()), Height: float64(bounds.Dy())}, nil
}

func (d *fitzDocument) RenderPage(index int, scale float64) (image.Image, error) {
	if err := checkPage(index, d.pageCount); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	img, err := d.doc.ImageDPI(index, scaledDPI(scale))
	if err != nil {
		return nil, fmt.Errorf("unable to render page %d: %w", index, err)
	}
	return img, nil
}

func (d *fitzDocument) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Close()
}
