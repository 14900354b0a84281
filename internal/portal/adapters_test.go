package portal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasbenitezc/servidor-scraping/internal/browser"
	"github.com/lucasbenitezc/servidor-scraping/internal/browser/browsertest"
)

const (
	pjnBase  = "https://pjn.test"
	afipBase = "https://afip.test"
)

type recordingSnapshots struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingSnapshots) Capture(_ context.Context, _ browser.Page, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
}

func (r *recordingSnapshots) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func testSettings(snaps Snapshotter) Settings {
	return Settings{
		PJNBaseURL:      pjnBase,
		AFIPBaseURL:     afipBase,
		PaginationDelay: time.Millisecond,
		DownloadWait:    time.Second,
		Snapshots:       snaps,
		Logger:          zerolog.Nop(),
	}
}

func newPage(t *testing.T, script *browsertest.Script) *browsertest.Page {
	t.Helper()
	launcher := browsertest.NewLauncher()
	launcher.Script = script
	h, err := launcher.Launch(context.Background())
	require.NoError(t, err)
	p, err := h.NewPage(context.Background())
	require.NoError(t, err)
	return p.(*browsertest.Page)
}

func pjnScript(t *testing.T, afterLogin string) *browsertest.Script {
	s := browsertest.NewScript()
	s.Present(pjnBase+pjnLoginPath, pjnLoginForm)
	s.Link(pjnLoginButton, pjnBase+"/eje/home.seam")
	s.SetHTML(pjnBase+"/eje/home.seam", afterLogin)
	s.Present(pjnBase+pjnListPath, pjnTable)
	s.SetHTML(pjnBase+pjnListPath, loadFixture(t, "pjn_list.html"))
	return s
}

func TestPJNLogin(t *testing.T) {
	snaps := &recordingSnapshots{}
	page := newPage(t, pjnScript(t, `<div class="user-panel">Bienvenido</div>`))
	pjn := NewPJN(testSettings(snaps))

	err := pjn.Login(context.Background(), page, "20123456789", "secret")
	require.NoError(t, err)

	assert.Equal(t, "20123456789", page.Filled(pjnUsername))
	assert.Equal(t, "secret", page.Filled(pjnPassword))
	assert.Equal(t, []string{"pjn-login-page", "pjn-login-success"}, snaps.Names())
}

func TestPJNLoginRejected(t *testing.T) {
	snaps := &recordingSnapshots{}
	page := newPage(t, pjnScript(t, `<div class="alert-danger"> Usuario o contraseña incorrectos </div>`))
	pjn := NewPJN(testSettings(snaps))

	err := pjn.Login(context.Background(), page, "u", "bad")
	require.ErrorIs(t, err, ErrLoginRejected)
	assert.Contains(t, err.Error(), "Usuario o contraseña incorrectos")

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "pjn", stepErr.Service)
	assert.Equal(t, "verify login", stepErr.Step)
	assert.Contains(t, snaps.Names(), "pjn-login-failed")
}

func TestPJNLoginUnverified(t *testing.T) {
	page := newPage(t, pjnScript(t, `<p>Mantenimiento</p>`))
	err := NewPJN(testSettings(nil)).Login(context.Background(), page, "u", "p")
	require.ErrorIs(t, err, ErrLoginRejected)
}

func TestPJNLoginStepFailure(t *testing.T) {
	script := pjnScript(t, "")
	boom := errors.New("navigation timeout")
	script.Fail("navigate", boom)
	page := newPage(t, script)

	err := NewPJN(testSettings(nil)).Login(context.Background(), page, "u", "p")
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrLoginRejected)
}

func TestPJNListNotifications(t *testing.T) {
	snaps := &recordingSnapshots{}
	page := newPage(t, pjnScript(t, ""))

	got, err := NewPJN(testSettings(snaps)).ListNotifications(context.Background(), page)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "N-001", got[0].ID)
	assert.Equal(t, "pjn", got[1].Service)
	assert.Equal(t, []string{"pjn-notifications"}, snaps.Names())
}

func TestPJNDownloadDocument(t *testing.T) {
	script := pjnScript(t, "")
	script.Download([]byte("%PDF-1.7 N-001"))
	page := newPage(t, script)
	dest := filepath.Join(t.TempDir(), "pjn-N-001.pdf")

	err := NewPJN(testSettings(nil)).DownloadDocument(context.Background(), page, "N-001", dest)
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 N-001", string(data))
	assert.Contains(t, page.Calls(), "download:#notificacionesTable > tbody:nth-child(2) > tr:nth-child(1) > td:nth-child(6) > a:nth-child(1)")
}

func TestPJNDownloadUnknownNotification(t *testing.T) {
	page := newPage(t, pjnScript(t, ""))
	dest := filepath.Join(t.TempDir(), "missing.pdf")

	err := NewPJN(testSettings(nil)).DownloadDocument(context.Background(), page, "N-404", dest)
	require.ErrorIs(t, err, ErrNotificationNotFound)
	assert.NoFileExists(t, dest)
}

func TestDownloadFailureRemovesPartialFile(t *testing.T) {
	script := pjnScript(t, "")
	script.Fail("download", browser.ErrNoDownload)
	page := newPage(t, script)
	dest := filepath.Join(t.TempDir(), "partial.pdf")
	require.NoError(t, os.WriteFile(dest, []byte("%PDF-1."), 0o644))

	err := NewPJN(testSettings(nil)).DownloadDocument(context.Background(), page, "N-001", dest)
	require.ErrorIs(t, err, browser.ErrNoDownload)
	assert.NoFileExists(t, dest)
}

// afipScript wires login, the SICNEA detour and a two-page listing.
func afipScript(t *testing.T) *browsertest.Script {
	home := afipBase + afipHomePath
	s := browsertest.NewScript()
	s.Present(afipBase+afipLoginPath, afipUsername)
	s.Link(afipNext, afipBase+"/contribuyente_/password.xhtml")
	s.Present(afipBase+"/contribuyente_/password.xhtml", afipPassword)
	s.Link(afipSubmit, home)
	s.SetHTML(home, `<html><body>
<div class="usuario_info">20-12345678-9</div>
<a id="sicnea" title="SICNEA - ABOGADOS" href="/sicnea">SICNEA - ABOGADOS</a>
<a id="tad" href="/tad">Trámites a Distancia</a>
</body></html>`)

	s.Link("#sicnea", afipBase+"/sicnea")
	s.Present(afipBase+"/sicnea", afipModal)
	s.SetHTML(afipBase+"/sicnea", `<html><body><div class="modal-dialog"><button id="ver">Ver notificación</button></div></body></html>`)
	s.Link("#ver", afipBase+"/sicnea/listado?page=1")

	s.Present(afipBase+"/sicnea/listado?page=1", afipTable)
	s.SetHTML(afipBase+"/sicnea/listado?page=1", loadFixture(t, "afip_page1.html"))
	s.Link(afipPagination.next(2), afipBase+"/sicnea/listado?page=2")
	s.Present(afipBase+"/sicnea/listado?page=2", afipTable)
	s.SetHTML(afipBase+"/sicnea/listado?page=2", loadFixture(t, "afip_page2.html"))
	return s
}

func TestAFIPLogin(t *testing.T) {
	snaps := &recordingSnapshots{}
	page := newPage(t, afipScript(t))

	err := NewAFIP(testSettings(snaps)).Login(context.Background(), page, "20123456789", "clave")
	require.NoError(t, err)
	assert.Equal(t, "20123456789", page.Filled(afipUsername))
	assert.Equal(t, "clave", page.Filled(afipPassword))
	assert.Equal(t, []string{"afip-login-page", "afip-login-success"}, snaps.Names())
}

func TestAFIPLoginRejected(t *testing.T) {
	script := afipScript(t)
	script.SetHTML(afipBase+afipHomePath, `<span class="mensajeError">Clave incorrecta</span>`)
	page := newPage(t, script)

	err := NewAFIP(testSettings(nil)).Login(context.Background(), page, "u", "p")
	require.ErrorIs(t, err, ErrLoginRejected)
	assert.Contains(t, err.Error(), "Clave incorrecta")
}

func TestAFIPListNotificationsPaginates(t *testing.T) {
	snaps := &recordingSnapshots{}
	page := newPage(t, afipScript(t))

	got, err := NewAFIP(testSettings(snaps)).ListNotifications(context.Background(), page)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"A-1", "A-2", "A-3"}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.True(t, got[2].Read)
	assert.True(t, got[2].HasAttachment)
	assert.Equal(t, []string{"afip-sicnea-popup", "afip-notifications"}, snaps.Names())
}

func TestAFIPPaginationDelay(t *testing.T) {
	settings := testSettings(nil)
	settings.PaginationDelay = 50 * time.Millisecond
	page := newPage(t, afipScript(t))

	start := time.Now()
	got, err := NewAFIP(settings).ListNotifications(context.Background(), page)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestAFIPPaginationHonoursCancellation(t *testing.T) {
	settings := testSettings(nil)
	settings.PaginationDelay = time.Hour
	page := newPage(t, afipScript(t))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewAFIP(settings).ListNotifications(ctx, page)
	require.Error(t, err)
}

func TestAFIPMissingViewButton(t *testing.T) {
	script := afipScript(t)
	script.SetHTML(afipBase+"/sicnea", `<div class="modal-dialog"><p>Sin acciones</p></div>`)
	snaps := &recordingSnapshots{}
	page := newPage(t, script)

	_, err := NewAFIP(testSettings(snaps)).ListNotifications(context.Background(), page)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Ver notificación")
	assert.Contains(t, snaps.Names(), "afip-popup-error")
}

func TestAFIPDownloadDocument(t *testing.T) {
	page := newPage(t, afipScript(t))
	dest := filepath.Join(t.TempDir(), "afip-A-1.pdf")

	err := NewAFIP(testSettings(nil)).DownloadDocument(context.Background(), page, "A-1", dest)
	require.NoError(t, err)
	assert.FileExists(t, dest)
}

func tadScript(t *testing.T) *browsertest.Script {
	s := afipScript(t)
	s.Link("#tad", afipBase+"/tad")
	s.Present(afipBase+"/tad", tadMarker)
	s.SetHTML(afipBase+"/tad", `<html><body><div class="tad-logo"></div>
<a id="notif" href="/tad/notificaciones">Notificaciones</a></body></html>`)
	s.Link("#notif", afipBase+"/tad/notificaciones")
	s.Present(afipBase+"/tad/notificaciones", tadTable)
	s.SetHTML(afipBase+"/tad/notificaciones", loadFixture(t, "tad_list.html"))
	return s
}

func TestTADLoginGoesThroughAFIP(t *testing.T) {
	snaps := &recordingSnapshots{}
	page := newPage(t, tadScript(t))

	err := NewTAD(testSettings(snaps), nil).Login(context.Background(), page, "20123456789", "clave")
	require.NoError(t, err)
	assert.Equal(t, afipBase+"/tad", page.URL())
	assert.Equal(t, []string{"afip-login-page", "tad-login-success"}, snaps.Names())
}

func TestTADLoginWithoutTADLink(t *testing.T) {
	script := tadScript(t)
	script.SetHTML(afipBase+afipHomePath, `<div class="usuario_info"></div>`)
	snaps := &recordingSnapshots{}
	page := newPage(t, script)

	err := NewTAD(testSettings(snaps), nil).Login(context.Background(), page, "u", "p")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLoginRejected)
	assert.Contains(t, snaps.Names(), "tad-navigation-failed")
}

func TestTADListNotificationsReentersFromAFIP(t *testing.T) {
	page := newPage(t, tadScript(t))

	got, err := NewTAD(testSettings(nil), nil).ListNotifications(context.Background(), page)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "T-9", got[0].ID)
	assert.Equal(t, "tad", got[0].Service)
	assert.Contains(t, page.Calls(), "navigate:"+afipBase+afipHomePath)
}

func TestTADDownloadDocument(t *testing.T) {
	page := newPage(t, tadScript(t))
	dest := filepath.Join(t.TempDir(), "tad-T-9.pdf")

	err := NewTAD(testSettings(nil), nil).DownloadDocument(context.Background(), page, "T-9", dest)
	require.NoError(t, err)
	assert.FileExists(t, dest)
	assert.Contains(t, page.Calls(), "download:html > body:nth-child(2) > div:nth-child(2) > div:nth-child(1) > a:nth-child(4)")
}

func TestRegistry(t *testing.T) {
	reg := DefaultRegistry(testSettings(nil))

	assert.Equal(t, []string{"afip", "pjn", "tad"}, reg.Services())

	a, err := reg.Lookup(" PJN ")
	require.NoError(t, err)
	assert.Equal(t, "pjn", a.Service())

	_, err = reg.Lookup("unknown")
	require.ErrorIs(t, err, ErrUnsupportedService)
}
