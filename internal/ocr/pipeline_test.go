package ocr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/laurentialabs/registre/internal/config"
	"github.com/laurentialabs/registre/internal/store"
	"github.com/laurentialabs/registre/internal/vision"
)

type fakeRaster struct {
	pages int
	err   error
}

func (f *fakeRaster) Rasterize(_ context.Context, _ []byte) ([]PageImage, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]PageImage, f.pages)
	for i := range out {
		out[i] = PageImage{Number: i + 1, PNG: []byte("png")}
	}
	return out, nil
}

type fakeFetcher struct {
	data []byte
	err  error
}

func (f *fakeFetcher) DownloadPath(_ context.Context, _ string) ([]byte, error) {
	return f.data, f.err
}

func testPrompts() config.VisionConfig {
	return config.VisionConfig{
		LineCountPrompt:  "COUNT",
		ExtractionPrompt: "EXTRACT",
		CoherencePrompt:  "COHERENCE",
		BoostPrompt:      "BOOST",
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testJob() *store.Job {
	path := "index/1/doc.pdf"
	return &store.Job{ID: 1, Kind: store.KindIndex, ArtifactPath: &path}
}

// countingModel answers by prompt prefix and records extraction windows.
type countingModel struct {
	vision.MockModel
	count string

	mu        sync.Mutex
	windows   []string
	coherence func(call int) string
	cohCalls  int
	boostErr  error
}

func newCountingModel(count string) *countingModel {
	m := &countingModel{count: count}
	m.RespondFunc = func(req vision.Request) (*vision.Response, error) {
		switch {
		case strings.HasPrefix(req.Prompt, "COUNT"):
			return &vision.Response{Text: m.count, TotalTokens: 10}, nil
		case strings.HasPrefix(req.Prompt, "EXTRACT"):
			m.mu.Lock()
			m.windows = append(m.windows, req.Prompt)
			n := len(m.windows)
			m.mu.Unlock()
			return &vision.Response{Text: fmt.Sprintf("Ligne %d: Nature: Vente", n), TotalTokens: 50}, nil
		case strings.HasPrefix(req.Prompt, "COHERENCE"):
			m.mu.Lock()
			m.cohCalls++
			call := m.cohCalls
			verdict := "OK"
			if m.coherence != nil {
				verdict = m.coherence(call)
			}
			m.mu.Unlock()
			return &vision.Response{Text: verdict, TotalTokens: 10}, nil
		case strings.HasPrefix(req.Prompt, "BOOST"):
			if m.boostErr != nil {
				return nil, m.boostErr
			}
			return &vision.Response{Text: "boosted content", TotalTokens: 80}, nil
		}
		return nil, fmt.Errorf("unexpected prompt %q", req.Prompt)
	}
	return m
}

func (m *countingModel) extractionWindows() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.windows...)
}

func basePipelineConfig() config.OCRConfig {
	return config.OCRConfig{
		MaxLinesPerPage: 60,
		WindowSize:      25,
		MaxRetries:      2,
	}
}

// A 45-line page splits into two windows: lines 1-25 and 26-45.
func TestPipeline_WindowedExtraction(t *testing.T) {
	primary := newCountingModel("45")
	secondary := newCountingModel("45")

	p := NewPipeline(basePipelineConfig(), testPrompts(), primary, secondary,
		&fakeRaster{pages: 1}, testLogger())

	res, err := p.Process(context.Background(), &fakeFetcher{data: []byte("%PDF")}, testJob())
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if !res.Completed || res.PagesFailed != 0 {
		t.Errorf("expected clean completion, got %+v", res)
	}

	windows := primary.extractionWindows()
	if len(windows) != 2 {
		t.Fatalf("extraction calls = %d, want 2", len(windows))
	}
	if !strings.Contains(windows[0], "lignes 1 à 25") {
		t.Errorf("first window = %q", windows[0])
	}
	if !strings.Contains(windows[1], "lignes 26 à 45") {
		t.Errorf("second window = %q", windows[1])
	}

	if !strings.Contains(res.RawContent, "--- Page 1 ---") {
		t.Errorf("raw content missing page marker: %q", res.RawContent)
	}
	if !strings.Contains(res.StructuredContent, `"is_completed":true`) {
		t.Errorf("structured content missing completion flag: %s", res.StructuredContent)
	}
}

func TestPipeline_ConsensusTakesLargerCount(t *testing.T) {
	primary := newCountingModel("24")
	secondary := newCountingModel("25")

	p := NewPipeline(basePipelineConfig(), testPrompts(), primary, secondary,
		&fakeRaster{pages: 1}, testLogger())

	if _, err := p.Process(context.Background(), &fakeFetcher{data: []byte("%PDF")}, testJob()); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	windows := primary.extractionWindows()
	if len(windows) != 1 {
		t.Fatalf("extraction calls = %d, want 1", len(windows))
	}
	if !strings.Contains(windows[0], "lignes 1 à 25") {
		t.Errorf("window should cover the larger count: %q", windows[0])
	}
}

func TestPipeline_UnreasonableLineCountFailsPage(t *testing.T) {
	primary := newCountingModel("120")
	secondary := newCountingModel("118")

	p := NewPipeline(basePipelineConfig(), testPrompts(), primary, secondary,
		&fakeRaster{pages: 1}, testLogger())

	res, err := p.Process(context.Background(), &fakeFetcher{data: []byte("%PDF")}, testJob())
	if err != nil {
		t.Fatalf("page failure must degrade, not error: %v", err)
	}
	if res.Completed || res.PagesFailed != 1 {
		t.Errorf("expected one failed page, got %+v", res)
	}
	if len(primary.extractionWindows()) != 0 {
		t.Error("no extraction calls should be spent on a miscounted page")
	}
	if !strings.Contains(res.StructuredContent, `"is_completed":false`) {
		t.Errorf("structured content must clear the completion flag: %s", res.StructuredContent)
	}
}

func TestPipeline_PageFailureKeepsOtherPages(t *testing.T) {
	calls := 0
	primary := newCountingModel("10")
	// Second page miscounts; first and third succeed.
	base := primary.RespondFunc
	primary.RespondFunc = func(req vision.Request) (*vision.Response, error) {
		if strings.HasPrefix(req.Prompt, "COUNT") {
			calls++
			if calls == 2 {
				return &vision.Response{Text: "500", TotalTokens: 10}, nil
			}
		}
		return base(req)
	}
	secondary := &vision.MockModel{RespondFunc: func(vision.Request) (*vision.Response, error) {
		return nil, errors.New("secondary down")
	}}

	p := NewPipeline(basePipelineConfig(), testPrompts(), primary, secondary,
		&fakeRaster{pages: 3}, testLogger())

	res, err := p.Process(context.Background(), &fakeFetcher{data: []byte("%PDF")}, testJob())
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if res.PagesFailed != 1 {
		t.Errorf("pages failed = %d, want 1", res.PagesFailed)
	}
	for _, marker := range []string{"--- Page 1 ---", "--- Page 2 ---", "--- Page 3 ---"} {
		if !strings.Contains(res.RawContent, marker) {
			t.Errorf("raw content missing %q", marker)
		}
	}
}

func TestPipeline_CoherenceRetryRecovers(t *testing.T) {
	cfg := basePipelineConfig()
	cfg.CoherenceCheck = true

	primary := newCountingModel("10")
	primary.coherence = func(call int) string {
		if call == 1 {
			return "INCOHÉRENT: la ligne 3 ne correspond pas"
		}
		return "OK"
	}

	p := NewPipeline(cfg, testPrompts(), primary, newCountingModel("10"),
		&fakeRaster{pages: 1}, testLogger())

	res, err := p.Process(context.Background(), &fakeFetcher{data: []byte("%PDF")}, testJob())
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if !res.Completed {
		t.Errorf("page should recover on retry, got %+v", res)
	}
	// One extraction before the check, one re-extraction after the failure.
	if got := len(primary.extractionWindows()); got != 2 {
		t.Errorf("extraction calls = %d, want 2", got)
	}
}

// Exhausting the coherence budget keeps the last extraction and flags the
// page incomplete instead of dropping the text.
func TestPipeline_CoherenceExhaustionKeepsExtraction(t *testing.T) {
	cfg := basePipelineConfig()
	cfg.CoherenceCheck = true
	cfg.MaxRetries = 2

	primary := newCountingModel("10")
	primary.coherence = func(int) string { return "INCOHÉRENT" }

	p := NewPipeline(cfg, testPrompts(), primary, newCountingModel("10"),
		&fakeRaster{pages: 1}, testLogger())

	res, err := p.Process(context.Background(), &fakeFetcher{data: []byte("%PDF")}, testJob())
	if err != nil {
		t.Fatalf("exhausted coherence must degrade, not error: %v", err)
	}
	if res.Completed {
		t.Errorf("document with an incomplete page must not report completed: %+v", res)
	}
	if res.PagesFailed != 0 || res.PagesIncomplete != 1 {
		t.Errorf("failed/incomplete = %d/%d, want 0/1", res.PagesFailed, res.PagesIncomplete)
	}
	if !strings.Contains(res.RawContent, "Ligne") {
		t.Errorf("extracted text must survive exhaustion: %q", res.RawContent)
	}
	if !strings.Contains(res.StructuredContent, `"is_completed":false`) {
		t.Errorf("completion flag not cleared: %s", res.StructuredContent)
	}
	if !strings.Contains(res.StructuredContent, `"incomplete_pages":[1]`) {
		t.Errorf("incomplete page not recorded: %s", res.StructuredContent)
	}
}

// A line-count disagreement beyond one records both counts; the larger still
// drives the extraction.
func TestPipeline_CountDisagreementRecorded(t *testing.T) {
	primary := newCountingModel("20")
	secondary := newCountingModel("24")

	p := NewPipeline(basePipelineConfig(), testPrompts(), primary, secondary,
		&fakeRaster{pages: 1}, testLogger())

	res, err := p.Process(context.Background(), &fakeFetcher{data: []byte("%PDF")}, testJob())
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if !strings.Contains(res.StructuredContent, `"line_count_disputes":[{"page":1,"primary":20,"secondary":24}]`) {
		t.Errorf("dispute not recorded: %s", res.StructuredContent)
	}

	windows := primary.extractionWindows()
	if len(windows) != 1 || !strings.Contains(windows[0], "lignes 1 à 24") {
		t.Errorf("extraction should cover the larger count: %v", windows)
	}
}

func TestPipeline_BoostFailureKeepsBaseExtraction(t *testing.T) {
	cfg := basePipelineConfig()
	cfg.BoostPass = true

	primary := newCountingModel("5")
	primary.boostErr = errors.New("model overloaded")

	p := NewPipeline(cfg, testPrompts(), primary, newCountingModel("5"),
		&fakeRaster{pages: 1}, testLogger())

	res, err := p.Process(context.Background(), &fakeFetcher{data: []byte("%PDF")}, testJob())
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if !res.Completed {
		t.Errorf("boost failure must not fail the page: %+v", res)
	}
	if !strings.Contains(res.RawContent, "Ligne 1") {
		t.Errorf("base extraction lost: %q", res.RawContent)
	}
}

func TestPipeline_BoostReplacesText(t *testing.T) {
	cfg := basePipelineConfig()
	cfg.BoostPass = true

	primary := newCountingModel("5")
	p := NewPipeline(cfg, testPrompts(), primary, newCountingModel("5"),
		&fakeRaster{pages: 1}, testLogger())

	res, err := p.Process(context.Background(), &fakeFetcher{data: []byte("%PDF")}, testJob())
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if !strings.Contains(res.RawContent, "boosted content") {
		t.Errorf("boost output not retained in raw content: %q", res.RawContent)
	}
}

func TestPipeline_ZeroLinesSkipsExtraction(t *testing.T) {
	primary := newCountingModel("0")
	p := NewPipeline(basePipelineConfig(), testPrompts(), primary, newCountingModel("0"),
		&fakeRaster{pages: 1}, testLogger())

	res, err := p.Process(context.Background(), &fakeFetcher{data: []byte("%PDF")}, testJob())
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if !res.Completed {
		t.Errorf("empty page is a valid page: %+v", res)
	}
	if len(primary.extractionWindows()) != 0 {
		t.Error("no extraction calls expected for an empty page")
	}
}

func TestPipeline_FetchFailureIsDocumentFailure(t *testing.T) {
	p := NewPipeline(basePipelineConfig(), testPrompts(), newCountingModel("5"),
		newCountingModel("5"), &fakeRaster{pages: 1}, testLogger())

	_, err := p.Process(context.Background(), &fakeFetcher{err: errors.New("storage down")}, testJob())
	if err == nil {
		t.Fatal("fetch failure must fail the document")
	}
}

func TestPipeline_RasterFailureIsDocumentFailure(t *testing.T) {
	p := NewPipeline(basePipelineConfig(), testPrompts(), newCountingModel("5"),
		newCountingModel("5"), &fakeRaster{err: ErrNotPDF}, testLogger())

	_, err := p.Process(context.Background(), &fakeFetcher{data: []byte("junk")}, testJob())
	if !errors.Is(err, ErrNotPDF) {
		t.Fatalf("expected ErrNotPDF, got %v", err)
	}
}

func TestPipeline_MissingArtifactIsDocumentFailure(t *testing.T) {
	p := NewPipeline(basePipelineConfig(), testPrompts(), newCountingModel("5"),
		newCountingModel("5"), &fakeRaster{pages: 1}, testLogger())

	job := &store.Job{ID: 7, Kind: store.KindIndex}
	if _, err := p.Process(context.Background(), &fakeFetcher{}, job); err == nil {
		t.Fatal("missing artifact path must fail the document")
	}
}
