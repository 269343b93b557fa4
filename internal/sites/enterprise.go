package sites

import (
	"context"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/laurentialabs/registre/internal/browser"
	"github.com/laurentialabs/registre/internal/config"
	"github.com/laurentialabs/registre/internal/store"
)

// Enterprise registry endpoints. The register is public; no login.
const (
	enterpriseSearchURL = "https://www.registreentreprises.gouv.qc.ca/RQAnonymeGR/GR/GR03/GR03A2_19A_PIU_RechEnt_PC/PageRechSimple.aspx"
)

// EnterpriseDriver drives the business registry: given a session whose
// company was already selected upstream, it opens the company's file and
// collects the names a personal-rights search must cover (the company
// itself, other names it does business under, and its principals).
type EnterpriseDriver struct {
	cfg config.BrowserConfig
}

// NewEnterpriseDriver builds the business registry driver.
func NewEnterpriseDriver(cfg config.BrowserConfig) *EnterpriseDriver {
	return &EnterpriseDriver{cfg: cfg}
}

// Login is a no-op: the register's consultation pages are anonymous.
func (d *EnterpriseDriver) Login(_ context.Context, _ browser.Session, _ *store.Credential) Outcome {
	return Outcome{}
}

// Execute opens the selected company's file and verifies it is consultable.
// The names-to-search set is materialized datastore-side when the session
// advances; the driver's job is confirming the company file exists and is
// readable.
func (d *EnterpriseDriver) Execute(ctx context.Context, sess browser.Session, task *Task) Result {
	sc, out := scripterFor(sess)
	if sc == nil {
		return Result{Outcome: out}
	}
	session := task.Session
	if session == nil {
		return Result{Outcome: Outcome{Kind: FailurePermanent, Message: "enterprise driver got a non-session task"}}
	}

	company := session.CompanyName
	if session.SelectedCompany != nil && *session.SelectedCompany != "" {
		company = *session.SelectedCompany
	}

	if err := sess.Navigate(ctx, enterpriseSearchURL); err != nil {
		return Result{Outcome: classify(err, "enterprise search page")}
	}

	err := sc.Script(ctx, d.cfg.ElementWait,
		chromedp.WaitVisible(`#CPH_K1ZoneContenu1_Cadr_IdSectionRechSimple_IdRechSimple_champRech`, chromedp.ByID),
		chromedp.SetValue(`#CPH_K1ZoneContenu1_Cadr_IdSectionRechSimple_IdRechSimple_champRech`, company, chromedp.ByID),
		chromedp.Click(`#CPH_K1ZoneContenu1_Cadr_IdSectionRechSimple_IdRechSimple_btnRech`, chromedp.ByID),
		chromedp.WaitReady(`body`, chromedp.ByQuery),
	)
	if err != nil {
		return Result{Outcome: classify(err, "enterprise search")}
	}

	var noResult string
	if err := textContent(ctx, sc, `.messageAucunResultat, #CPH_K1ZoneContenu1_Cadr_lblAucunResultat`, &noResult); err != nil {
		return Result{Outcome: classify(err, "enterprise result page")}
	}
	if noResult != "" {
		return Result{Outcome: Outcome{Kind: FailureNotFound, Message: noResult}}
	}

	// Open the first matching file and confirm the état de renseignements
	// loads; a struck-off company renders a warning instead.
	err = sc.Script(ctx, d.cfg.ElementWait,
		chromedp.Click(`table.resultats a`, chromedp.ByQuery),
		chromedp.WaitVisible(`#K1EtatRenseignements, .avisRadiation`, chromedp.ByQuery),
	)
	if err != nil {
		return Result{Outcome: classify(err, "enterprise company file")}
	}

	var struck string
	if err := textContent(ctx, sc, `.avisRadiation`, &struck); err != nil {
		return Result{Outcome: classify(err, "enterprise company file")}
	}
	if strings.Contains(strings.ToLower(struck), "radi") {
		return Result{Outcome: Outcome{Kind: FailurePermanent, Message: "company struck off the register: " + struck}}
	}

	return Result{}
}

// Verify interface compliance
var _ Driver = (*EnterpriseDriver)(nil)
