package portal

import (
	"context"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/lucasbenitezc/servidor-scraping/internal/browser"
)

const (
	afipLoginPath   = "/contribuyente_/login.xhtml"
	afipHomePath    = "/contribuyente_/inicio.xhtml"
	afipUsername    = `#F1\:username`
	afipNext        = `#F1\:btnSiguiente`
	afipPassword    = `#F1\:password`
	afipSubmit      = `#F1\:btnIngresar`
	afipLoginError  = ".mensajeError"
	afipLoggedIn    = ".usuario_info, .logout, .salir"
	afipSICNEALink  = `a[title="SICNEA - ABOGADOS"]`
	afipSICNEALabel = "SICNEA - ABOGADOS"
	afipModal       = `.modal-dialog, .popup-container, #modalSicnea, div[role="dialog"]`
	afipViewLabel   = "Ver notificación"
	afipViewButtons = ".btn-primary, .btn-action, .action-button, .ver-notificacion"
	afipTable       = "table.notificaciones, table.comunicaciones, div.notificaciones-container table"
	afipPaginator   = ".pagination, .paginador, nav.pagination-container"
)

// afipLayout: id, date, subject, description, status.
var afipLayout = layout{
	table:      afipTable,
	rows:       "tr:not(:first-child)",
	attachment: rowAttachment,
	download:   rowAttachment,
	extract: func(row *goquery.Selection) Notification {
		n := Notification{
			ID:          cellText(row, 0),
			Date:        cellText(row, 1),
			Subject:     cellText(row, 2),
			Description: cellText(row, 3),
			Status:      cellText(row, 4),
		}
		if n.Description == "" {
			n.Description = n.Subject
		}
		return n
	},
}

var afipPagination = pagination{
	container: afipPaginator,
	next: func(n int) string {
		return fmt.Sprintf(`.pagination a[data-page="%d"], .paginador a[data-page="%d"], .pagination-next, a.next-page`, n, n)
	},
}

// AFIP is the AFIP adapter; notifications live in the SICNEA service.
type AFIP struct {
	flow
	baseURL string
}

func NewAFIP(s Settings) *AFIP {
	base := s.AFIPBaseURL
	if base == "" {
		base = "https://auth.afip.gob.ar"
	}
	return &AFIP{flow: newFlow("afip", s), baseURL: base}
}

func (a *AFIP) Service() string { return "afip" }

func (a *AFIP) Login(ctx context.Context, page browser.Page, username, password string) error {
	if err := a.login(ctx, page, username, password); err != nil {
		return a.fail("login", err)
	}
	a.logger.Info().Msg("login succeeded")
	a.snapshot(ctx, page, "afip-login-success")
	return nil
}

// login runs the two-step CUIT/password form. TAD reuses it.
func (a *AFIP) login(ctx context.Context, page browser.Page, username, password string) error {
	if err := page.Navigate(ctx, a.baseURL+afipLoginPath); err != nil {
		return fmt.Errorf("open login: %w", err)
	}
	a.snapshot(ctx, page, "afip-login-page")

	if err := page.WaitVisible(ctx, afipUsername); err != nil {
		return fmt.Errorf("wait username: %w", err)
	}
	if err := page.Fill(ctx, afipUsername, username); err != nil {
		return fmt.Errorf("fill username: %w", err)
	}
	if err := page.ClickAndWaitNavigation(ctx, afipNext); err != nil {
		return fmt.Errorf("submit username: %w", err)
	}
	if err := page.WaitVisible(ctx, afipPassword); err != nil {
		return fmt.Errorf("wait password: %w", err)
	}
	if err := page.Fill(ctx, afipPassword, password); err != nil {
		return fmt.Errorf("fill password: %w", err)
	}
	if err := page.ClickAndWaitNavigation(ctx, afipSubmit); err != nil {
		return fmt.Errorf("submit password: %w", err)
	}

	doc, err := a.document(ctx, page)
	if err != nil {
		return fmt.Errorf("verify login: %w", err)
	}
	if err := a.rejection(doc, afipLoginError, afipLoggedIn); err != nil {
		a.snapshot(ctx, page, "afip-login-failed")
		return err
	}
	return nil
}

// openHome loads the AFIP services landing page of an authenticated session.
func (a *AFIP) openHome(ctx context.Context, page browser.Page) error {
	return page.Navigate(ctx, a.baseURL+afipHomePath)
}

// openSICNEA walks home, SICNEA, the intro modal and finally the listing.
func (a *AFIP) openSICNEA(ctx context.Context, page browser.Page) error {
	if err := a.openHome(ctx, page); err != nil {
		return err
	}
	if err := a.clickLink(ctx, page, afipSICNEALink, "a", afipSICNEALabel); err != nil {
		return err
	}
	if err := page.WaitVisible(ctx, afipModal); err != nil {
		return fmt.Errorf("wait SICNEA dialog: %w", err)
	}
	a.snapshot(ctx, page, "afip-sicnea-popup")

	doc, err := a.document(ctx, page)
	if err != nil {
		return err
	}
	target, ok := findClickable(doc, "button, a", afipViewLabel)
	if !ok {
		target, ok = firstMatch(doc, afipViewButtons)
	}
	if !ok {
		a.snapshot(ctx, page, "afip-popup-error")
		return fmt.Errorf("%q button not found", afipViewLabel)
	}
	if err := page.ClickAndWaitNavigation(ctx, target); err != nil {
		return err
	}
	return page.WaitVisible(ctx, afipTable)
}

func (a *AFIP) ListNotifications(ctx context.Context, page browser.Page) ([]Notification, error) {
	if err := a.openSICNEA(ctx, page); err != nil {
		return nil, a.fail("open notifications", err)
	}
	a.snapshot(ctx, page, "afip-notifications")

	out, err := a.collect(ctx, page, afipLayout, afipPagination)
	if err != nil {
		return nil, a.fail("read notifications", err)
	}
	a.logger.Info().Int("count", len(out)).Msg("notifications listed")
	return out, nil
}

func (a *AFIP) DownloadDocument(ctx context.Context, page browser.Page, notificationID, destPath string) error {
	if err := a.openSICNEA(ctx, page); err != nil {
		return a.fail("open notifications", err)
	}
	if err := a.download(ctx, page, afipLayout, notificationID, destPath); err != nil {
		return a.fail("download", err)
	}
	return nil
}
