package api

import (
	"errors"
	"net/http"

	"avancira/cmd/identity"
	"avancira/cmd/internal/apperr"
	"avancira/cmd/internal/auth/session"
)

// toAppError maps domain errors to their HTTP form. Unknown errors become 500.
func toAppError(err error) *apperr.Error {
	if e, ok := apperr.As(err); ok {
		return e
	}
	switch {
	case errors.Is(err, session.ErrInvalidCredentials):
		return apperr.New(http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
	case errors.Is(err, session.ErrRefreshReuseDetected):
		return apperr.New(http.StatusUnauthorized, "refresh_reuse_detected", "refresh token was already used; session revoked")
	case errors.Is(err, session.ErrRefreshConflict):
		return apperr.New(http.StatusUnauthorized, "refresh_conflict", "refresh token was already rotated")
	case errors.Is(err, session.ErrSessionExpired):
		return apperr.New(http.StatusUnauthorized, "session_expired", "session expired")
	case errors.Is(err, session.ErrSessionRevoked):
		return apperr.New(http.StatusUnauthorized, "session_revoked", "session revoked")
	case session.IsUnauthorized(err):
		return apperr.Unauthorized("invalid token").Wrap(err)
	case identity.IsConflict(err):
		return apperr.Conflict("email already registered").Wrap(err)
	case identity.IsInvalidInput(err):
		var op identity.OpError
		if errors.As(err, &op) && op.Msg != "" {
			return apperr.BadRequest("invalid request", op.Msg).Wrap(err)
		}
		return apperr.BadRequest("invalid request").Wrap(err)
	case errors.Is(err, identity.ErrForbidden):
		return apperr.Forbidden("forbidden").Wrap(err)
	case identity.IsNotFound(err):
		return apperr.NotFound("not found").Wrap(err)
	default:
		return apperr.Internal(err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := toAppError(err)
	if e.Status >= http.StatusInternalServerError {
		h.log.Error("auth.request.fail", "path", r.URL.Path, "err", err)
	}
	apperr.Write(w, e)
}
