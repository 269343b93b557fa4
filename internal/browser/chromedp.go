package browser

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

// ChromeConfig tunes the headless Chrome session implementation.
type ChromeConfig struct {
	Headless bool
	// NetworkIdleWait bounds Navigate's wait for the page to settle.
	NetworkIdleWait time.Duration
}

// Scripter is the richer surface site drivers need: running raw chromedp
// actions against the live browser context. The worker core never uses it;
// only drivers type-assert for it.
type Scripter interface {
	// Script runs actions with a timeout. Zero timeout uses the session's
	// network-idle wait.
	Script(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error
}

// chromeSession is a Session backed by one chromedp browser context.
type chromeSession struct {
	cfg ChromeConfig

	ctx     context.Context
	cancels []context.CancelFunc

	closeOnce sync.Once
}

// NewChromeFactory returns a Factory that opens headless Chrome sessions.
func NewChromeFactory(cfg ChromeConfig) Factory {
	if cfg.NetworkIdleWait <= 0 {
		cfg.NetworkIdleWait = 60 * time.Second
	}
	return func(ctx context.Context) (Session, error) {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", cfg.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
		)
		allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
		browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

		// Start the browser now so factory errors surface at acquire time,
		// not on the first navigation mid-job.
		if err := chromedp.Run(browserCtx); err != nil {
			cancelBrowser()
			cancelAlloc()
			return nil, err
		}

		return &chromeSession{
			cfg:     cfg,
			ctx:     browserCtx,
			cancels: []context.CancelFunc{cancelBrowser, cancelAlloc},
		}, nil
	}
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(s.ctx, s.cfg.NetworkIdleWait)
	defer cancel()
	_ = ctx // caller cancellation rides on s.ctx's parent
	return chromedp.Run(navCtx, chromedp.Navigate(url))
}

func (s *chromeSession) Screenshot(_ context.Context) ([]byte, error) {
	shotCtx, cancel := context.WithTimeout(s.ctx, 15*time.Second)
	defer cancel()
	var buf []byte
	if err := chromedp.Run(shotCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *chromeSession) Script(_ context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if timeout <= 0 {
		timeout = s.cfg.NetworkIdleWait
	}
	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func (s *chromeSession) Close() error {
	s.closeOnce.Do(func() {
		for _, cancel := range s.cancels {
			cancel()
		}
	})
	return nil
}

// Verify interface compliance
var (
	_ Session  = (*chromeSession)(nil)
	_ Scripter = (*chromeSession)(nil)
)
