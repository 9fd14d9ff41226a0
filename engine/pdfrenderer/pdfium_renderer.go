package pdfrenderer

import (
	"fmt"
	"image"
	"os"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/klippa-app/go-pdfium"
	"github.com/klippa-app/go-pdfium/references"
	"github.com/klippa-app/go-pdfium/requests"
	"github.com/klippa-app/go-pdfium/webassembly"
)

// PDFiumRenderer implements PDF rendering using go-pdfium with WebAssembly (pure Go, no CGo)
type PDFiumRenderer struct {
	// a single wasm instance is shared by every open document and is not
	// safe for concurrent calls
	mu       sync.Mutex
	pool     pdfium.Pool
	instance pdfium.Pdfium
}

// NewPDFiumRenderer creates a new PDFium-based PDF renderer using WebAssembly
func NewPDFiumRenderer() (*PDFiumRenderer, error) {
	pool, err := webassembly.Init(webassembly.Config{
		MinIdle:  1,
		MaxIdle:  1,
		MaxTotal: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PDFium WebAssembly: %w", err)
	}

	instance, err := pool.GetInstance(time.Second * 30)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to get PDFium instance: %w", err)
	}

	return &PDFiumRenderer{
		pool:     pool,
		instance: instance,
	}, nil
}

// Open reads the PDF into memory and opens it in the wasm instance
func (r *PDFiumRenderer) Open(path string) (Document, error) {
	pdfBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read PDF file: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.instance == nil {
		return nil, fmt.Errorf("PDFium renderer is closed")
	}

	doc, err := r.instance.OpenDocument(&requests.OpenDocument{
		File: &pdfBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open PDF document: %w", err)
	}

	pageCountResp, err := r.instance.FPDF_GetPageCount(&requests.FPDF_GetPageCount{
		Document: doc.Document,
	})
	if err != nil {
		r.instance.FPDF_CloseDocument(&requests.FPDF_CloseDocument{Document: doc.Document})
		return nil, fmt.Errorf("unable to get page count: %w", err)
	}

	return &pdfiumDocument{
		renderer:  r,
		doc:       doc.Document,
		pageCount: pageCountResp.PageCount,
	}, nil
}

// Close cleans up resources used by the PDFium renderer
func (r *PDFiumRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pool != nil {
		r.pool.Close()
		r.pool = nil
	}
	r.instance = nil
	return nil
}

type pdfiumDocument struct {
	renderer  *PDFiumRenderer
	doc       references.FPDF_DOCUMENT
	pageCount int
	closed    bool
}

func (d *pdfiumDocument) PageCount() int {
	return d.pageCount
}

func (d *pdfiumDocument) page(index int) requests.Page {
	return requests.Page{
		ByIndex: &requests.PageByIndex{
			Document: d.doc,
			Index:    index,
		},
	}
}

func (d *pdfiumDocument) PageSize(index int) (PageSize, error) {
	if err := checkPage(index, d.pageCount); err != nil {
		return PageSize{}, err
	}
	r := d.renderer
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.instance == nil || d.closed {
		return PageSize{}, fmt.Errorf("PDFium document is closed")
	}

	size, err := r.instance.GetPageSize(&requests.GetPageSize{Page: d.page(index)})
	if err != nil {
		return PageSize{}, fmt.Errorf("unable to get size of page %d: %w", index, err)
	}
	return PageSize{Width: size.Width, Height: size.Height}, nil
}

func (d *pdfiumDocument) RenderPage(index int, scale float64) (image.Image, error) {
	if err := checkPage(index, d.pageCount); err != nil {
		return nil, err
	}
	r := d.renderer
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.instance == nil || d.closed {
		return nil, fmt.Errorf("PDFium document is closed")
	}

	pageRender, err := r.instance.RenderPageInDPI(&requests.RenderPageInDPI{
		DPI:  int(scaledDPI(scale)),
		Page: d.page(index),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to render page %d: %w", index, err)
	}
	// Cleanup releases the wasm memory backing the image, so copy it out first
	img := imaging.Clone(pageRender.Result.Image)
	pageRender.Cleanup()

	return img, nil
}

func (d *pdfiumDocument) Close() error {
	r := d.renderer
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if r.instance == nil {
		return nil
	}
	_, err := r.instance.FPDF_CloseDocument(&requests.FPDF_CloseDocument{
		Document: d.doc,
	})
	return err
}
