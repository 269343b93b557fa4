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

// Land registry endpoints.
const (
	landLoginURL   = "https://www.registrefoncier.gouv.qc.ca/Sirf/Script/13_01_11/pf_13_01_11_02_accueil.asp"
	landConsultURL = "https://www.registrefoncier.gouv.qc.ca/Sirf/Script/13_01_11/pf_13_01_11_10_consult.asp"
)

// LandDriver drives the land registry: index aux immeubles, actes, and
// plans cadastraux all go through the same consultation flow with different
// request forms.
type LandDriver struct {
	cfg config.BrowserConfig
}

// NewLandDriver builds the land registry driver.
func NewLandDriver(cfg config.BrowserConfig) *LandDriver {
	return &LandDriver{cfg: cfg}
}

// Login authenticates with a pooled credential. Wrong passwords and locked
// accounts are told apart by the error banner the site renders.
func (d *LandDriver) Login(ctx context.Context, sess browser.Session, cred *store.Credential) Outcome {
	sc, out := scripterFor(sess)
	if sc == nil {
		return out
	}
	if cred == nil {
		return Outcome{Kind: FailureLoginFailed, Message: "no credential supplied"}
	}

	if err := sess.Navigate(ctx, landLoginURL); err != nil {
		return classify(err, "land login page")
	}

	err := sc.Script(ctx, d.cfg.ElementWait,
		chromedp.WaitVisible(`#codeUtil`, chromedp.ByID),
		chromedp.SetValue(`#codeUtil`, cred.Username, chromedp.ByID),
		chromedp.SetValue(`#motDePasse`, cred.Password, chromedp.ByID),
		chromedp.Click(`input[name="btnOuvrirSession"]`, chromedp.ByQuery),
		chromedp.WaitReady(`body`, chromedp.ByQuery),
	)
	if err != nil {
		return classify(err, "land login form")
	}

	var banner string
	if err := textContent(ctx, sc, `.messageErreur`, &banner); err != nil {
		return classify(err, "land login banner")
	}
	switch {
	case banner == "":
		return Outcome{}
	case strings.Contains(strings.ToLower(banner), "verrouill"):
		return Outcome{Kind: FailureAccountLocked, Message: banner}
	default:
		return Outcome{Kind: FailureLoginFailed, Message: banner}
	}
}

// Execute runs one extraction: fill the consultation form for the job's
// document kind, wait for server-side preparation, fetch the PDF.
func (d *LandDriver) Execute(ctx context.Context, sess browser.Session, task *Task) Result {
	sc, out := scripterFor(sess)
	if sc == nil {
		return Result{Outcome: out}
	}
	job := task.Extraction
	if job == nil {
		return Result{Outcome: Outcome{Kind: FailurePermanent, Message: "land driver got a non-extraction task"}}
	}

	if err := sess.Navigate(ctx, landConsultURL); err != nil {
		return Result{Outcome: classify(err, "land consultation page")}
	}
	if err := d.submitRequest(ctx, sc, job); err != nil {
		return Result{Outcome: classify(err, "land request form")}
	}

	// Document preparation is server side and slow; the result frame shows
	// either a download link or a not-found message.
	err := sc.Script(ctx, d.cfg.DocumentPrepWait,
		chromedp.WaitVisible(`a.lienDocument, .messageAucunResultat`, chromedp.ByQuery),
	)
	if err != nil {
		return Result{Outcome: classify(err, "land document preparation")}
	}

	var notFound string
	if err := textContent(ctx, sc, `.messageAucunResultat`, &notFound); err != nil {
		return Result{Outcome: classify(err, "land result frame")}
	}
	if notFound != "" {
		return Result{Outcome: Outcome{Kind: FailureNotFound, Message: notFound}}
	}

	var href string
	if err := sc.Script(ctx, d.cfg.ElementWait,
		chromedp.AttributeValue(`a.lienDocument`, "href", &href, nil, chromedp.ByQuery),
	); err != nil {
		return Result{Outcome: classify(err, "land document link")}
	}

	dlCtx, cancel := context.WithTimeout(ctx, d.cfg.DownloadWait)
	defer cancel()
	var pdf []byte
	if err := fetchPDF(dlCtx, sc, href, &pdf); err != nil {
		return Result{Outcome: classify(err, "land document download")}
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF")) {
		// The site serves an HTML error page with a 200 when the session
		// died mid-request.
		return Result{Outcome: Outcome{Kind: FailureTransient, Message: "land registry returned non-PDF content"}}
	}

	return Result{Artifact: &Artifact{
		Bytes:    pdf,
		Filename: fmt.Sprintf("%s.pdf", job.DocumentNumberNorm),
		MimeType: "application/pdf",
	}}
}

// submitRequest fills the consultation form for the job's kind. The three
// document families share the page but use different field sets.
func (d *LandDriver) submitRequest(ctx context.Context, sc browser.Scripter, job *store.Job) error {
	switch job.Kind {
	case store.KindIndex:
		return sc.Script(ctx, d.cfg.ElementWait,
			chromedp.WaitVisible(`#numeroLot`, chromedp.ByID),
			chromedp.SetValue(`#numeroLot`, job.DocumentNumber, chromedp.ByID),
			chromedp.SetValue(`#circonscription`, job.Circumscription, chromedp.ByID),
			chromedp.SetValue(`#cadastre`, job.Cadastre, chromedp.ByID),
			chromedp.Click(`input[name="btnRechercherIndex"]`, chromedp.ByQuery),
		)
	case store.KindActe:
		acteType := string(job.ActeType)
		if acteType == "" {
			acteType = string(store.ActeTypeActe)
		}
		return sc.Script(ctx, d.cfg.ElementWait,
			chromedp.WaitVisible(`#numeroInscription`, chromedp.ByID),
			chromedp.SetValue(`#numeroInscription`, job.DocumentNumber, chromedp.ByID),
			chromedp.SetValue(`#circonscription`, job.Circumscription, chromedp.ByID),
			chromedp.SetValue(`#typeDocument`, acteType, chromedp.ByID),
			chromedp.Click(`input[name="btnRechercherActe"]`, chromedp.ByQuery),
		)
	case store.KindPlanCadastral:
		return sc.Script(ctx, d.cfg.ElementWait,
			chromedp.WaitVisible(`#numeroLotPlan`, chromedp.ByID),
			chromedp.SetValue(`#numeroLotPlan`, job.DocumentNumber, chromedp.ByID),
			chromedp.SetValue(`#circonscriptionPlan`, job.Circumscription, chromedp.ByID),
			chromedp.SetValue(`#cadastrePlan`, job.Cadastre, chromedp.ByID),
			chromedp.Click(`input[name="btnRechercherPlan"]`, chromedp.ByQuery),
		)
	default:
		return fmt.Errorf("unknown document kind %q", job.Kind)
	}
}

// Verify interface compliance
var _ Driver = (*LandDriver)(nil)
