// Package ocr turns extracted PDF artifacts into structured content. A pool
// of specialized workers claims extraction-complete jobs; each job runs the
// page pipeline: rasterize, count lines with two models, extract in windows,
// optionally verify coherence and boost, then sanitize.
package ocr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/laurentialabs/registre/internal/config"
	"github.com/laurentialabs/registre/internal/sanitize"
	"github.com/laurentialabs/registre/internal/store"
	"github.com/laurentialabs/registre/internal/vision"
)

// ArtifactFetcher fetches a stored artifact by its "bucket/key" path. The
// storage client satisfies this.
type ArtifactFetcher interface {
	DownloadPath(ctx context.Context, path string) ([]byte, error)
}

// Result is the outcome of running the pipeline over one document.
type Result struct {
	RawContent        string
	StructuredContent string
	// Completed is false when at least one page failed (stored empty) or was
	// stored incomplete (coherence retries exhausted).
	Completed       bool
	PagesFailed     int
	PagesIncomplete int
}

// LineCountDispute records a page where the two line-count reads differed by
// more than one. The larger count was used; the dispute marks the page as
// read with reduced confidence.
type LineCountDispute struct {
	Page      int `json:"page"`
	Primary   int `json:"primary"`
	Secondary int `json:"secondary"`
}

// Pipeline processes one document end to end. Safe for concurrent use.
type Pipeline struct {
	cfg       config.OCRConfig
	prompts   config.VisionConfig
	primary   vision.Model
	secondary vision.Model
	raster    Rasterizer
	logger    *slog.Logger
}

// NewPipeline assembles a pipeline. primary drives extraction; secondary is
// only consulted for the line-count consensus.
func NewPipeline(cfg config.OCRConfig, prompts config.VisionConfig, primary, secondary vision.Model, raster Rasterizer, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		prompts:   prompts,
		primary:   primary,
		secondary: secondary,
		raster:    raster,
		logger:    logger,
	}
}

// structuredPayload is the stored structured_content shape: the sanitized
// page tree plus the document completion flag and per-page warnings.
type structuredPayload struct {
	Pages       []sanitize.PageContent `json:"pages"`
	IsCompleted bool                   `json:"is_completed"`
	// IncompletePages lists pages whose extraction was kept despite an
	// exhausted coherence budget.
	IncompletePages   []int              `json:"incomplete_pages,omitempty"`
	LineCountDisputes []LineCountDispute `json:"line_count_disputes,omitempty"`
}

// Process runs the full pipeline for one claimed job. A returned error means
// the document failed as a whole and the job should go back to the
// extraction-complete state; page-level failures degrade the result instead.
func (p *Pipeline) Process(ctx context.Context, fetcher ArtifactFetcher, job *store.Job) (*Result, error) {
	if job.ArtifactPath == nil || *job.ArtifactPath == "" {
		return nil, fmt.Errorf("job %d has no artifact", job.ID)
	}

	pdf, err := fetcher.DownloadPath(ctx, *job.ArtifactPath)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}

	pages, err := p.raster.Rasterize(ctx, pdf)
	if err != nil {
		return nil, err
	}

	var raw strings.Builder
	failed := 0
	var incomplete []int
	var disputes []LineCountDispute
	for _, page := range pages {
		pr, err := p.processPage(ctx, page)
		if err != nil {
			// Keep the page marker with no lines so downstream consumers see
			// the gap instead of silently shortened documents.
			failed++
			p.logger.Warn("page failed, storing empty",
				"job_id", job.ID,
				"page", page.Number,
				"error", err)
			pr = pageResult{}
		}
		if pr.dispute != nil {
			disputes = append(disputes, *pr.dispute)
		}
		if pr.incomplete {
			incomplete = append(incomplete, page.Number)
		}
		fmt.Fprintf(&raw, "--- Page %d ---\n%s\n", page.Number, pr.text)
	}

	rawContent := raw.String()
	doc := sanitize.Sanitize(rawContent)

	clean := failed == 0 && len(incomplete) == 0
	payload := structuredPayload{
		Pages:             doc.Pages,
		IsCompleted:       clean,
		IncompletePages:   incomplete,
		LineCountDisputes: disputes,
	}
	structured, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal structured content: %w", err)
	}

	return &Result{
		RawContent:        rawContent,
		StructuredContent: string(structured),
		Completed:         clean,
		PagesFailed:       failed,
		PagesIncomplete:   len(incomplete),
	}, nil
}

// pageResult is one page's outcome: its text plus the warnings the
// structured payload carries forward.
type pageResult struct {
	text       string
	incomplete bool
	dispute    *LineCountDispute
}

// processPage extracts one page's lines. Any error is a page failure.
func (p *Pipeline) processPage(ctx context.Context, page PageImage) (pageResult, error) {
	count, dispute, err := p.countLines(ctx, page)
	if err != nil {
		return pageResult{}, err
	}
	res := pageResult{dispute: dispute}
	if count == 0 {
		return res, nil
	}

	text, err := p.extractWindows(ctx, page, count)
	if err != nil {
		return pageResult{}, err
	}

	if p.cfg.CoherenceCheck {
		verified, ok, err := p.verifyCoherence(ctx, page, count, text)
		if err != nil {
			return pageResult{}, err
		}
		text = verified
		if !ok {
			// Retries are spent and the model still reports a mismatch.
			// Keep what was extracted and flag the page instead of losing it.
			p.logger.Warn("coherence retries exhausted, keeping extraction",
				"page", page.Number)
			res.incomplete = true
		}
	}

	if p.cfg.BoostPass {
		boosted, err := p.boost(ctx, page, text)
		if err != nil {
			// The boost pass is an enhancement; keep the un-boosted text.
			p.logger.Warn("boost pass failed, keeping base extraction",
				"page", page.Number, "error", err)
		} else {
			text = boosted
		}
	}
	res.text = text
	return res, nil
}

// countLines asks both models how many table lines the page holds and
// reconciles the answers: within one of each other the larger wins; further
// apart the larger still wins but both counts are recorded as a dispute so
// consumers see the reduced confidence. A count above the configured ceiling
// fails the page rather than burn a window's worth of calls on a miscounted
// page.
func (p *Pipeline) countLines(ctx context.Context, page PageImage) (int, *LineCountDispute, error) {
	req := vision.Request{
		Prompt:    p.prompts.LineCountPrompt,
		ImagePNG:  page.PNG,
		MaxTokens: 50,
	}

	primary, errPrimary := p.askCount(ctx, p.primary, req)
	secondary, errSecondary := p.askCount(ctx, p.secondary, req)

	var count int
	var dispute *LineCountDispute
	switch {
	case errPrimary == nil && errSecondary == nil:
		count = max(primary, secondary)
		if diff := abs(primary - secondary); diff > 1 {
			dispute = &LineCountDispute{
				Page:      page.Number,
				Primary:   primary,
				Secondary: secondary,
			}
			p.logger.Warn("line count disagreement",
				"page", page.Number,
				"primary", primary,
				"secondary", secondary)
		}
	case errPrimary == nil:
		count = primary
	case errSecondary == nil:
		count = secondary
	default:
		return 0, nil, fmt.Errorf("line count failed on both models: %v; %v", errPrimary, errSecondary)
	}

	if maxLines := p.cfg.MaxLinesPerPage; maxLines > 0 && count > maxLines {
		return 0, nil, fmt.Errorf("unreasonable line count %d (max %d)", count, maxLines)
	}
	return count, dispute, nil
}

var firstIntRe = regexp.MustCompile(`\d+`)

func (p *Pipeline) askCount(ctx context.Context, m vision.Model, req vision.Request) (int, error) {
	resp, err := m.Complete(ctx, req)
	if err != nil {
		return 0, err
	}
	match := firstIntRe.FindString(resp.Text)
	if match == "" {
		return 0, fmt.Errorf("model %s returned no count: %q", m.Name(), resp.Text)
	}
	return strconv.Atoi(match)
}

// extractWindows pulls the page's lines in fixed, non-overlapping windows so
// long pages stay within the model's reliable attention span.
func (p *Pipeline) extractWindows(ctx context.Context, page PageImage, count int) (string, error) {
	window := p.cfg.WindowSize
	if window <= 0 {
		window = 25
	}

	var b strings.Builder
	for start := 1; start <= count; start += window {
		end := start + window - 1
		if end > count {
			end = count
		}
		resp, err := p.primary.Complete(ctx, vision.Request{
			Prompt:   p.prompts.ExtractionPrompt + windowInstruction(start, end),
			ImagePNG: page.PNG,
		})
		if err != nil {
			return "", fmt.Errorf("extract lines %d-%d: %w", start, end, err)
		}
		b.WriteString(strings.TrimSpace(resp.Text))
		b.WriteString("\n")
	}
	return b.String(), nil
}

func windowInstruction(start, end int) string {
	return fmt.Sprintf("\n\nExtraire uniquement les lignes %d à %d.", start, end)
}

// verifyCoherence re-reads the extraction against the image and re-extracts
// when the model flags a mismatch, up to the retry budget. Exhausting the
// budget returns the last extraction with ok=false; the caller keeps the
// text and marks the page incomplete.
func (p *Pipeline) verifyCoherence(ctx context.Context, page PageImage, count int, text string) (string, bool, error) {
	retries := p.cfg.MaxRetries
	if retries <= 0 {
		retries = 1
	}

	for attempt := 0; ; attempt++ {
		resp, err := p.primary.Complete(ctx, vision.Request{
			Prompt:    p.prompts.CoherencePrompt + "\n\n" + text,
			ImagePNG:  page.PNG,
			MaxTokens: 200,
		})
		if err != nil {
			return "", false, fmt.Errorf("coherence check: %w", err)
		}
		if coherent(resp.Text) {
			return text, true, nil
		}
		if attempt >= retries {
			return text, false, nil
		}

		p.logger.Info("coherence check failed, re-extracting",
			"page", page.Number, "attempt", attempt+1)
		text, err = p.extractWindows(ctx, page, count)
		if err != nil {
			return "", false, err
		}
	}
}

// coherent interprets the verdict. The prompt asks for OK or INCOHÉRENT; an
// unrecognized answer counts as coherent so a chatty model cannot spin the
// retry loop.
func coherent(verdict string) bool {
	v := strings.ToUpper(verdict)
	return !strings.Contains(v, "INCOH")
}

// boost runs a second, higher-effort read of the page seeded with the first
// extraction to recover faint or struck-through entries.
func (p *Pipeline) boost(ctx context.Context, page PageImage, text string) (string, error) {
	resp, err := p.primary.Complete(ctx, vision.Request{
		Prompt:   p.prompts.BoostPrompt + "\n\n" + text,
		ImagePNG: page.PNG,
	})
	if err != nil {
		return "", err
	}
	boosted := strings.TrimSpace(resp.Text)
	if boosted == "" {
		return text, nil
	}
	return boosted + "\n", nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
