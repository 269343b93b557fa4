package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// ErrNotPDF is returned when the downloaded artifact is not a PDF. Jobs
// carrying such artifacts fail without consuming a vision call.
var ErrNotPDF = errors.New("ocr: artifact is not a PDF")

// PageImage is one rendered page ready for the vision models.
type PageImage struct {
	Number int
	PNG    []byte
}

// Rasterizer renders a PDF into page images.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdf []byte) ([]PageImage, error)
}

// PDFRasterizer renders with pdftoppm (poppler-utils) and validates with
// pdfcpu. pdftoppm renders the page as displayed; extracting embedded image
// objects instead would not preserve page order or overlaid annotations.
type PDFRasterizer struct {
	// TargetDPI is the render resolution.
	TargetDPI int
	// MinWidth triggers a Lanczos upscale when the rendered page is
	// narrower, up to UpscaleCap times the original width.
	MinWidth   int
	UpscaleCap float64
}

// Rasterize renders every page. The artifact must start with the %PDF magic.
func (r *PDFRasterizer) Rasterize(ctx context.Context, pdf []byte) ([]PageImage, error) {
	if !bytes.HasPrefix(pdf, []byte("%PDF")) {
		return nil, ErrNotPDF
	}

	count, err := api.PageCount(bytes.NewReader(pdf), nil)
	if err != nil {
		return nil, fmt.Errorf("page count: %w", err)
	}
	if count == 0 {
		return nil, errors.New("ocr: PDF has no pages")
	}

	tmpDir, err := os.MkdirTemp("", "registre-ocr-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	pdfPath := filepath.Join(tmpDir, "artifact.pdf")
	if err := os.WriteFile(pdfPath, pdf, 0o644); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}

	pages := make([]PageImage, 0, count)
	for page := 1; page <= count; page++ {
		png, err := r.renderPage(ctx, pdfPath, tmpDir, page)
		if err != nil {
			return nil, fmt.Errorf("render page %d: %w", page, err)
		}
		png, err = r.upscale(png)
		if err != nil {
			return nil, fmt.Errorf("upscale page %d: %w", page, err)
		}
		pages = append(pages, PageImage{Number: page, PNG: png})
	}
	return pages, nil
}

func (r *PDFRasterizer) renderPage(ctx context.Context, pdfPath, tmpDir string, page int) ([]byte, error) {
	dpi := r.TargetDPI
	if dpi <= 0 {
		dpi = 300
	}
	prefix := filepath.Join(tmpDir, fmt.Sprintf("page-%d", page))
	pageStr := strconv.Itoa(page)

	cmd := exec.CommandContext(ctx, "pdftoppm",
		"-png",
		"-f", pageStr,
		"-l", pageStr,
		"-r", strconv.Itoa(dpi),
		"-singlefile",
		pdfPath,
		prefix,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("pdftoppm: %w (output: %s)", err, string(out))
	}
	return os.ReadFile(prefix + ".png")
}

// upscale enlarges narrow scans so table rulings survive model downsampling.
func (r *PDFRasterizer) upscale(png []byte) ([]byte, error) {
	if r.MinWidth <= 0 {
		return png, nil
	}
	img, err := imaging.Decode(bytes.NewReader(png))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	width := img.Bounds().Dx()
	if width <= 0 || width >= r.MinWidth {
		return png, nil
	}

	factor := float64(r.MinWidth) / float64(width)
	maxFactor := r.UpscaleCap
	if maxFactor <= 1 {
		maxFactor = 3.0
	}
	if factor > maxFactor {
		factor = maxFactor
	}

	resized := imaging.Resize(img, int(float64(width)*factor), 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Verify interface compliance
var _ Rasterizer = (*PDFRasterizer)(nil)
