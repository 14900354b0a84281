package portal

import (
	"context"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/lucasbenitezc/servidor-scraping/internal/browser"
)

const (
	tadLink          = `a[title="Trámites a Distancia"]`
	tadLabel         = "Trámites a Distancia"
	tadMarker        = ".tad-header, .header-tad, .tad-logo"
	tadNotifications = `a[href*="notificaciones"]`
	tadNotifLabel    = "Notificaciones"
	tadTable         = "table.notificaciones, .notificaciones-table, .listado-notificaciones"
	tadPaginator     = ".pagination, .paginador, .paginacion"
	tadAttachment    = `a[href*="descargar"], a[href*="ver"], button.descargar, .icono-adjunto`
)

var tadLayout = layout{
	table:      tadTable,
	rows:       "tr:not(:first-child), .notificacion-item, .fila-notificacion",
	attachment: tadAttachment,
	download:   tadAttachment,
	extract: func(row *goquery.Selection) Notification {
		id := firstText(row, ".id-notificacion, [data-id]")
		if id == "" {
			id, _ = row.Attr("data-id")
		}
		n := Notification{
			ID:          id,
			Date:        firstText(row, ".fecha, .fecha-notificacion"),
			Subject:     firstText(row, ".asunto, .titulo-notificacion, .titulo"),
			Description: firstText(row, ".descripcion, .detalle-notificacion, .detalle"),
			Status:      firstText(row, ".estado, .estado-notificacion"),
		}
		if n.Description == "" {
			n.Description = n.Subject
		}
		return n
	},
}

var tadPagination = pagination{
	container: tadPaginator,
	next: func(n int) string {
		return fmt.Sprintf(`.pagination a[data-page="%d"], .paginador a[data-page="%d"], .pagination-next, a.next-page, a[aria-label="Next page"]`, n, n)
	},
}

// TAD (Trámites a Distancia) is reached through an AFIP session.
type TAD struct {
	flow
	afip *AFIP
}

func NewTAD(s Settings, afip *AFIP) *TAD {
	if afip == nil {
		afip = NewAFIP(s)
	}
	return &TAD{flow: newFlow("tad", s), afip: afip}
}

func (a *TAD) Service() string { return "tad" }

func (a *TAD) Login(ctx context.Context, page browser.Page, username, password string) error {
	if err := a.afip.login(ctx, page, username, password); err != nil {
		return a.fail("afip login", err)
	}
	if err := a.enter(ctx, page); err != nil {
		a.snapshot(ctx, page, "tad-navigation-failed")
		return a.fail("open tad", err)
	}
	a.logger.Info().Msg("login succeeded")
	a.snapshot(ctx, page, "tad-login-success")
	return nil
}

// enter follows the TAD link from the current AFIP page.
func (a *TAD) enter(ctx context.Context, page browser.Page) error {
	if err := a.clickLink(ctx, page, tadLink, "a", tadLabel); err != nil {
		return err
	}
	return page.WaitVisible(ctx, tadMarker)
}

// openNotifications reaches the TAD listing, re-entering from AFIP home when
// the page is not already inside TAD.
func (a *TAD) openNotifications(ctx context.Context, page browser.Page) error {
	inside, err := page.Exists(ctx, tadMarker)
	if err != nil {
		return err
	}
	if !inside {
		if err := a.afip.openHome(ctx, page); err != nil {
			return err
		}
		if err := a.enter(ctx, page); err != nil {
			return err
		}
	}
	if err := a.clickLink(ctx, page, tadNotifications, "a, button", tadNotifLabel); err != nil {
		return err
	}
	return page.WaitVisible(ctx, tadTable)
}

func (a *TAD) ListNotifications(ctx context.Context, page browser.Page) ([]Notification, error) {
	if err := a.openNotifications(ctx, page); err != nil {
		return nil, a.fail("open notifications", err)
	}
	a.snapshot(ctx, page, "tad-notifications")

	out, err := a.collect(ctx, page, tadLayout, tadPagination)
	if err != nil {
		return nil, a.fail("read notifications", err)
	}
	a.logger.Info().Int("count", len(out)).Msg("notifications listed")
	return out, nil
}

func (a *TAD) DownloadDocument(ctx context.Context, page browser.Page, notificationID, destPath string) error {
	if err := a.openNotifications(ctx, page); err != nil {
		return a.fail("open notifications", err)
	}
	if err := a.download(ctx, page, tadLayout, notificationID, destPath); err != nil {
		return a.fail("download", err)
	}
	return nil
}
