package model

import (
	"errors"
)

// User-facing messages
const (
	MsgNoAccount   = "No se ha seleccionado una página."
	MsgHostMissing = "Error interno: Contenedor de gráficos no encontrado."
	MsgUnexpected  = "Ocurrió un error inesperado."
	MsgCancelled   = "La exportación fue cancelada."
)

var (
	// ErrNoAccount is returned when an export is requested without a selected account
	ErrNoAccount = errors.New("no account selected")

	// ErrRenderHostMissing means the off-screen render host could not be located.
	// It is an integration defect, not a transient failure.
	ErrRenderHostMissing = errors.New("offscreen render host not found")

	// ErrExportCancelled is returned when a newer export for the same account
	// replaced a running one
	ErrExportCancelled = errors.New("export cancelled")
)

// ErrorKind classifies errors for surfacing to the user
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindInternal
	KindService
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInternal:
		return "internal"
	case KindService:
		return "service"
	case KindCancelled:
		return "cancelled"
	}
	return "unknown"
}

// ValidationError reports bad input
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// UserMessage implements UserFacing
func (e *ValidationError) UserMessage() string { return e.Reason }

// Kind implements UserFacing
func (e *ValidationError) Kind() ErrorKind { return KindValidation }

// UserFacing is implemented by errors that carry their own user-visible message
type UserFacing interface {
	error
	UserMessage() string
	Kind() ErrorKind
}

// KindOf classifies err
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrNoAccount):
		return KindValidation
	case errors.Is(err, ErrRenderHostMissing):
		return KindInternal
	case errors.Is(err, ErrExportCancelled):
		return KindCancelled
	}
	var uf UserFacing
	if errors.As(err, &uf) {
		return uf.Kind()
	}
	return KindUnknown
}

// UserMessage maps err to the message shown to the user. Unknown errors get a generic message.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoAccount):
		return MsgNoAccount
	case errors.Is(err, ErrRenderHostMissing):
		return MsgHostMissing
	case errors.Is(err, ErrExportCancelled):
		return MsgCancelled
	}
	var uf UserFacing
	if errors.As(err, &uf) {
		return uf.UserMessage()
	}
	return MsgUnexpected
}
