package sites

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/laurentialabs/registre/internal/browser"
)

// scripterFor extracts the scripting surface from a session. Sessions that
// cannot run scripts (test fakes) make every driver call an infrastructure
// failure, which is the honest answer.
func scripterFor(sess browser.Session) (browser.Scripter, Outcome) {
	sc, ok := sess.(browser.Scripter)
	if !ok {
		return nil, Outcome{
			Kind:    FailureInfrastructure,
			Message: "session does not support scripting",
		}
	}
	return sc, Outcome{}
}

// fetchPDF downloads a document from inside the page so the browser's
// authenticated cookies ride along. The bytes come back base64-encoded
// through the devtools protocol.
func fetchPDF(ctx context.Context, sc browser.Scripter, url string, out *[]byte) error {
	script := fmt.Sprintf(`fetch(%q, {credentials: 'include'})
		.then(r => { if (!r.ok) throw new Error('HTTP ' + r.status); return r.arrayBuffer(); })
		.then(buf => {
			const bytes = new Uint8Array(buf);
			let bin = '';
			for (const b of bytes) bin += String.fromCharCode(b);
			return btoa(bin);
		})`, url)

	var b64 string
	err := sc.Script(ctx, 0, chromedp.Evaluate(script, &b64,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
	if err != nil {
		return err
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("decode fetched document: %w", err)
	}
	*out = data
	return nil
}

// textContent reads an element's text, empty when the element is absent.
func textContent(ctx context.Context, sc browser.Scripter, selector string, out *string) error {
	script := fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); return el ? el.textContent.trim() : ''; })()`,
		selector)
	return sc.Script(ctx, 0, chromedp.Evaluate(script, out))
}

// classify maps a raw scripting error to the closest failure kind.
// Unclassifiable errors are transient: retrying a mystery is safer than
// burying it.
func classify(err error, what string) Outcome {
	msg := fmt.Sprintf("%s: %v", what, err)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Outcome{Kind: FailureTransient, Message: msg}
	case errors.Is(err, context.Canceled):
		return Outcome{Kind: FailureTransient, Message: msg}
	case strings.Contains(err.Error(), "net::"):
		// Chrome network-layer errors (DNS, refused, reset).
		return Outcome{Kind: FailureInfrastructure, Message: msg}
	default:
		return Outcome{Kind: FailureTransient, Message: msg}
	}
}
