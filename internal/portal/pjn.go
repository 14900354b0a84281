package portal

import (
	"context"

	"github.com/PuerkitoBio/goquery"

	"github.com/lucasbenitezc/servidor-scraping/internal/browser"
)

const (
	pjnLoginPath    = "/eje/login.seam"
	pjnListPath     = "/eje/pages/notificaciones/listadoNotificaciones.seam"
	pjnLoginForm    = "#loginForm"
	pjnUsername     = "#username"
	pjnPassword     = "#password"
	pjnLoginButton  = "#loginButton"
	pjnLoginError   = ".error-message, .alert-danger"
	pjnLoggedIn     = ".user-info, .user-panel, .logout-button"
	pjnTable        = "table.notificaciones, #notificacionesTable"
	rowAttachment   = `a[href*="descargar"], a[href*="ver"], button.descargar`
	pjnDownloadCtrl = `a[href*="descargar"], button.descargar`
)

// pjnLayout: id, date, case number, subject, status.
var pjnLayout = layout{
	table:      pjnTable,
	rows:       "tbody tr",
	attachment: rowAttachment,
	download:   pjnDownloadCtrl,
	extract: func(row *goquery.Selection) Notification {
		return Notification{
			ID:         cellText(row, 0),
			Date:       cellText(row, 1),
			CaseNumber: cellText(row, 2),
			Subject:    cellText(row, 3),
			Status:     cellText(row, 4),
		}
	},
}

// PJN is the Poder Judicial de la Nación adapter.
type PJN struct {
	flow
	baseURL string
}

func NewPJN(s Settings) *PJN {
	base := s.PJNBaseURL
	if base == "" {
		base = "https://eje.pjn.gov.ar"
	}
	return &PJN{flow: newFlow("pjn", s), baseURL: base}
}

func (a *PJN) Service() string { return "pjn" }

func (a *PJN) Login(ctx context.Context, page browser.Page, username, password string) error {
	if err := page.Navigate(ctx, a.baseURL+pjnLoginPath); err != nil {
		return a.fail("open login", err)
	}
	a.snapshot(ctx, page, "pjn-login-page")

	if err := page.WaitVisible(ctx, pjnLoginForm); err != nil {
		return a.fail("wait login form", err)
	}
	if err := page.Fill(ctx, pjnUsername, username); err != nil {
		return a.fail("fill username", err)
	}
	if err := page.Fill(ctx, pjnPassword, password); err != nil {
		return a.fail("fill password", err)
	}
	if err := page.ClickAndWaitNavigation(ctx, pjnLoginButton); err != nil {
		return a.fail("submit login", err)
	}

	doc, err := a.document(ctx, page)
	if err != nil {
		return a.fail("verify login", err)
	}
	if err := a.rejection(doc, pjnLoginError, pjnLoggedIn); err != nil {
		a.snapshot(ctx, page, "pjn-login-failed")
		return a.fail("verify login", err)
	}

	a.logger.Info().Msg("login succeeded")
	a.snapshot(ctx, page, "pjn-login-success")
	return nil
}

func (a *PJN) openListing(ctx context.Context, page browser.Page) error {
	if err := page.Navigate(ctx, a.baseURL+pjnListPath); err != nil {
		return err
	}
	return page.WaitVisible(ctx, pjnTable)
}

func (a *PJN) ListNotifications(ctx context.Context, page browser.Page) ([]Notification, error) {
	if err := a.openListing(ctx, page); err != nil {
		return nil, a.fail("open notifications", err)
	}
	a.snapshot(ctx, page, "pjn-notifications")

	out, err := a.collect(ctx, page, pjnLayout, pagination{})
	if err != nil {
		return nil, a.fail("read notifications", err)
	}
	a.logger.Info().Int("count", len(out)).Msg("notifications listed")
	return out, nil
}

func (a *PJN) DownloadDocument(ctx context.Context, page browser.Page, notificationID, destPath string) error {
	if err := a.openListing(ctx, page); err != nil {
		return a.fail("open notifications", err)
	}
	if err := a.download(ctx, page, pjnLayout, notificationID, destPath); err != nil {
		return a.fail("download", err)
	}
	return nil
}
