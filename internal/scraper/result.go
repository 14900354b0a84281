package scraper

import (
	"errors"
	"strings"
	"time"

	"github.com/lucasbenitezc/servidor-scraping/internal/portal"
	"github.com/lucasbenitezc/servidor-scraping/internal/session"
)

// Code classifies the outcome of an operation for callers.
type Code string

const (
	CodeOK                 Code = "OK"
	CodeCapacityExceeded   Code = "CAPACITY_EXCEEDED"
	CodeUnsupportedService Code = "UNSUPPORTED_SERVICE"
	CodeSessionNotFound    Code = "SESSION_NOT_FOUND"
	CodeAdapterFailure     Code = "ADAPTER_FAILURE"
	CodeStaleSession       Code = "STALE_SESSION"
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeInternal           Code = "INTERNAL"
)

// ErrInvalidRequest marks requests rejected before any session work.
var ErrInvalidRequest = errors.New("invalid request")

// Outcome is the shape shared by every operation result.
type Outcome struct {
	Success bool   `json:"success"`
	Code    Code   `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	// Err keeps the underlying failure for logging; it is never serialized.
	Err error `json:"-"`
}

type LoginResult struct {
	Outcome
	SessionID string `json:"sessionId,omitempty"`
}

type NotificationsResult struct {
	Outcome
	Notifications []portal.Notification `json:"notifications,omitempty"`
	Timestamp     time.Time             `json:"timestamp"`
}

type DownloadResult struct {
	Outcome
	// Path of the downloaded document in the temp area. The caller owns it.
	Path     string `json:"-"`
	FileName string `json:"fileName,omitempty"`
}

func ok() Outcome { return Outcome{Success: true, Code: CodeOK} }

// failure maps err onto the error taxonomy. prefix introduces adapter
// failure messages the way the web client expects them.
func failure(err error, prefix string) Outcome {
	out := Outcome{Err: err}
	var step *portal.StepError
	switch {
	case errors.Is(err, ErrInvalidRequest):
		out.Code, out.Message = CodeInvalidRequest, strings.TrimPrefix(err.Error(), ErrInvalidRequest.Error()+": ")
	case errors.Is(err, portal.ErrUnsupportedService):
		out.Code, out.Message = CodeUnsupportedService, "Servicio no soportado: "+strings.TrimPrefix(err.Error(), portal.ErrUnsupportedService.Error()+": ")
	case errors.Is(err, session.ErrCapacityExceeded):
		out.Code, out.Message = CodeCapacityExceeded, "Se alcanzó el máximo de sesiones simultáneas, intente más tarde"
	case errors.Is(err, session.ErrSessionNotFound):
		out.Code, out.Message = CodeSessionNotFound, "Sesión no encontrada o expirada"
	case errors.Is(err, session.ErrStaleSession):
		out.Code, out.Message = CodeStaleSession, "La sesión se cerró durante la operación"
	case errors.Is(err, portal.ErrLoginRejected):
		out.Code, out.Message = CodeAdapterFailure, "Credenciales incorrectas o problema de conexión"
	case errors.As(err, &step):
		out.Code, out.Message = CodeAdapterFailure, prefix+": "+step.Err.Error()
	default:
		out.Code, out.Message = CodeInternal, prefix+": "+err.Error()
	}
	return out
}
