package sites

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/laurentialabs/registre/internal/browser"
	"github.com/laurentialabs/registre/internal/config"
	"github.com/laurentialabs/registre/internal/store"
)

// Personal and movable rights registry endpoints.
const (
	rdprmLoginURL  = "https://www.rdprm.gouv.qc.ca/Usagers/SX05D04.asp"
	rdprmSearchURL = "https://www.rdprm.gouv.qc.ca/Consultation/SX05C01.asp"
)

// RDPRMDriver drives the personal and movable rights registry: exact-name
// searches yielding an official statement PDF. Login uses the single
// configured service account, not the pooled land-registry credentials.
type RDPRMDriver struct {
	browserCfg config.BrowserConfig
	account    config.RDPRMConfig
}

// NewRDPRMDriver builds the RDPRM driver.
func NewRDPRMDriver(browserCfg config.BrowserConfig, account config.RDPRMConfig) *RDPRMDriver {
	return &RDPRMDriver{browserCfg: browserCfg, account: account}
}

// Login authenticates the configured service account, answering the
// security question when the site challenges.
func (d *RDPRMDriver) Login(ctx context.Context, sess browser.Session, _ *store.Credential) Outcome {
	sc, out := scripterFor(sess)
	if sc == nil {
		return out
	}
	if d.account.Username == "" {
		return Outcome{Kind: FailureLoginFailed, Message: "no RDPRM account configured"}
	}

	if err := sess.Navigate(ctx, rdprmLoginURL); err != nil {
		return classify(err, "rdprm login page")
	}

	err := sc.Script(ctx, d.browserCfg.ElementWait,
		chromedp.WaitVisible(`#codeUtilisateur`, chromedp.ByID),
		chromedp.SetValue(`#codeUtilisateur`, d.account.Username, chromedp.ByID),
		chromedp.SetValue(`#motDePasse`, d.account.Password, chromedp.ByID),
		chromedp.Click(`input[name="btnConnexion"]`, chromedp.ByQuery),
		chromedp.WaitReady(`body`, chromedp.ByQuery),
	)
	if err != nil {
		return classify(err, "rdprm login form")
	}

	// Optional security-question step.
	var question string
	if err := textContent(ctx, sc, `#questionSecurite`, &question); err != nil {
		return classify(err, "rdprm security challenge")
	}
	if question != "" {
		err := sc.Script(ctx, d.browserCfg.ElementWait,
			chromedp.SetValue(`#reponseSecurite`, d.account.SecurityAnswer, chromedp.ByID),
			chromedp.Click(`input[name="btnRepondre"]`, chromedp.ByQuery),
			chromedp.WaitReady(`body`, chromedp.ByQuery),
		)
		if err != nil {
			return classify(err, "rdprm security answer")
		}
	}

	var banner string
	if err := textContent(ctx, sc, `.messageErreur`, &banner); err != nil {
		return classify(err, "rdprm login banner")
	}
	if banner != "" {
		if strings.Contains(strings.ToLower(banner), "verrouill") {
			return Outcome{Kind: FailureAccountLocked, Message: banner}
		}
		return Outcome{Kind: FailureLoginFailed, Message: banner}
	}
	return Outcome{}
}

// Execute runs one exact-name search and fetches the official statement.
func (d *RDPRMDriver) Execute(ctx context.Context, sess browser.Session, task *Task) Result {
	sc, out := scripterFor(sess)
	if sc == nil {
		return Result{Outcome: out}
	}
	search := task.Search
	if search == nil {
		return Result{Outcome: Outcome{Kind: FailurePermanent, Message: "rdprm driver got a non-search task"}}
	}

	if err := sess.Navigate(ctx, rdprmSearchURL); err != nil {
		return Result{Outcome: classify(err, "rdprm search page")}
	}

	err := sc.Script(ctx, d.browserCfg.ElementWait,
		chromedp.WaitVisible(`#nomOrganisme`, chromedp.ByID),
		chromedp.SetValue(`#nomOrganisme`, search.SearchName, chromedp.ByID),
		chromedp.Click(`input[name="btnRechercher"]`, chromedp.ByQuery),
		chromedp.WaitVisible(`a.lienEtatCertifie, .messageAucuneFiche`, chromedp.ByQuery),
	)
	if err != nil {
		return Result{Outcome: classify(err, "rdprm search")}
	}

	var none string
	if err := textContent(ctx, sc, `.messageAucuneFiche`, &none); err != nil {
		return Result{Outcome: classify(err, "rdprm result page")}
	}
	if none != "" {
		return Result{Outcome: Outcome{Kind: FailureNotFound, Message: none}}
	}

	var href string
	if err := sc.Script(ctx, d.browserCfg.ElementWait,
		chromedp.AttributeValue(`a.lienEtatCertifie`, "href", &href, nil, chromedp.ByQuery),
	); err != nil {
		return Result{Outcome: classify(err, "rdprm statement link")}
	}

	dlCtx, cancel := context.WithTimeout(ctx, d.browserCfg.DownloadWait)
	defer cancel()
	var pdf []byte
	if err := fetchPDF(dlCtx, sc, href, &pdf); err != nil {
		return Result{Outcome: classify(err, "rdprm statement download")}
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF")) {
		return Result{Outcome: Outcome{Kind: FailureTransient, Message: "rdprm returned non-PDF content"}}
	}

	return Result{Artifact: &Artifact{
		Bytes:    pdf,
		Filename: fmt.Sprintf("etat-%d.pdf", search.ID),
		MimeType: "application/pdf",
	}}
}

// Verify interface compliance
var _ Driver = (*RDPRMDriver)(nil)
