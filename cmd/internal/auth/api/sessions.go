package api

import (
	"errors"
	"net/http"

	"avancira/cmd/internal/apperr"
	"avancira/cmd/internal/auth/session"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	claims := claimsOf(r)
	groups, err := h.sessions.ListActiveSessions(r.Context(), h.now(), claims.UserID, claims.SessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionsResponse(groups))
}

func (h *Handler) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsOf(r)
	sessionID := chi.URLParam(r, "sessionID")
	ctx := r.Context()

	reason := session.ReasonUser
	if sessionID == claims.SessionID {
		reason = session.ReasonLogout
	}
	if err := h.sessions.RevokeSessionForUser(ctx, h.now(), claims.UserID, sessionID, reason); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			apperr.Write(w, apperr.NotFound("session not found"))
			return
		}
		h.writeError(w, r, err)
		return
	}
	h.auditUser(ctx, actionSessionRevoked, h.meta(r, ""), claims.UserID, sessionID, map[string]any{"reason": string(reason)})
	w.WriteHeader(http.StatusNoContent)
}

// handleRevokeAll logs the user out everywhere. With keep_current the calling
// session survives.
func (h *Handler) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	var req revokeAllRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
			apperr.Write(w, apperr.BadRequest("invalid request body"))
			return
		}
	}

	claims := claimsOf(r)
	except := ""
	if req.KeepCurrent {
		except = claims.SessionID
	}
	ctx := r.Context()
	ids, err := h.sessions.RevokeAll(ctx, h.now(), claims.UserID, except)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.auditUser(ctx, actionLogoutAll, h.meta(r, ""), claims.UserID, "", map[string]any{"revoked": len(ids)})
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, revokedResponse{Revoked: ids})
}

func (h *Handler) handleAdminListSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()
	if _, err := h.identity.User(ctx, userID); err != nil {
		h.writeError(w, r, err)
		return
	}
	sessions, err := h.sessions.Sessions(ctx, h.now(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]adminSessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toAdminSession(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "sessions": out})
}

func (h *Handler) handleAdminRevoke(w http.ResponseWriter, r *http.Request) {
	reason, ok := h.decodeAdminRevoke(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	ctx := r.Context()
	if err := h.sessions.RevokeSession(ctx, h.now(), sessionID, reason); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			apperr.Write(w, apperr.NotFound("session not found"))
			return
		}
		h.writeError(w, r, err)
		return
	}
	admin := claimsOf(r)
	h.auditUser(ctx, actionAdminRevoke, h.meta(r, ""), admin.UserID, sessionID, map[string]any{"reason": string(reason)})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAdminRevokeAll(w http.ResponseWriter, r *http.Request) {
	reason, ok := h.decodeAdminRevoke(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()
	ids, err := h.sessions.RevokeAllWithReason(ctx, h.now(), userID, "", reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	admin := claimsOf(r)
	h.auditUser(ctx, actionAdminRevoke, h.meta(r, ""), admin.UserID, "", map[string]any{
		"target_user_id": userID,
		"reason":         string(reason),
		"revoked":        len(ids),
	})
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, revokedResponse{Revoked: ids})
}

// decodeAdminRevoke reads an optional reason. Only admin, security and
// token_invalidation are accepted; the default is admin.
func (h *Handler) decodeAdminRevoke(w http.ResponseWriter, r *http.Request) (session.Reason, bool) {
	var req adminRevokeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
			apperr.Write(w, apperr.BadRequest("invalid request body"))
			return "", false
		}
	}
	switch reason := session.Reason(req.Reason); reason {
	case "":
		return session.ReasonAdmin, true
	case session.ReasonAdmin, session.ReasonSecurity, session.ReasonTokenInvalidation:
		return reason, true
	default:
		apperr.Write(w, apperr.BadRequest("unsupported reason", "reason must be one of admin, security, token_invalidation"))
		return "", false
	}
}
