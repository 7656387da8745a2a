package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Audit actions.
const (
	actionLoginFailed      = "auth.login.failed"
	actionLoginSuccess     = "auth.login.success"
	actionLoginRateLimited = "auth.login.rate_limited"
	actionRegister         = "auth.register"
	actionRefreshSuccess   = "auth.refresh.success"
	actionRefreshReuse     = "auth.refresh.reuse_detected"
	actionLogout           = "auth.logout"
	actionLogoutAll        = "auth.logout_all"
	actionSessionRevoked   = "auth.session.revoked"
	actionAdminRevoke      = "admin.session.revoked"
	actionCodeIssued       = "connect.code.issued"
	actionCodeRedeemed     = "connect.code.redeemed"
)

// AuditEntry is one audit_log row.
type AuditEntry struct {
	Action    string
	UserID    *string
	SessionID *string
	IP        net.IP
	UserAgent string
	Meta      map[string]any
	At        time.Time
}

// AuditLog records security events and answers lockout queries.
type AuditLog interface {
	Record(ctx context.Context, e AuditEntry) error
	// RecentFailures returns failed-login times for identifier since the given time.
	RecentFailures(ctx context.Context, identifier string, since time.Time) ([]time.Time, error)
}

// PostgresAuditLog writes to avancira.audit_log.
type PostgresAuditLog struct {
	pool *pgxpool.Pool
}

func NewPostgresAuditLog(pool *pgxpool.Pool) *PostgresAuditLog {
	return &PostgresAuditLog{pool: pool}
}

func (a *PostgresAuditLog) Record(ctx context.Context, e AuditEntry) error {
	var ipVal any
	if e.IP != nil {
		ipVal = e.IP.String()
	}

	var metaVal *string
	if len(e.Meta) > 0 {
		if b, err := json.Marshal(e.Meta); err == nil {
			s := string(b)
			metaVal = &s
		}
	}

	_, err := a.pool.Exec(ctx, `
		INSERT INTO avancira.audit_log (
			user_id, session_id, action, created_at, ip, user_agent, meta
		) VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
	`, e.UserID, e.SessionID, e.Action, e.At, ipVal, trimOrNil(e.UserAgent), metaVal)
	return err
}

func (a *PostgresAuditLog) RecentFailures(ctx context.Context, identifier string, since time.Time) ([]time.Time, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT created_at
		FROM avancira.audit_log
		WHERE action = $1
		  AND meta->>'identifier' = $2
		  AND created_at >= $3
		ORDER BY created_at DESC
		LIMIT 100
	`, actionLoginFailed, identifier, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MemoryAuditLog keeps failed logins in process. Other actions are only logged.
type MemoryAuditLog struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{failures: make(map[string][]time.Time)}
}

func (a *MemoryAuditLog) Record(_ context.Context, e AuditEntry) error {
	if e.Action != actionLoginFailed {
		return nil
	}
	id, _ := e.Meta["identifier"].(string)
	if id == "" {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	list := append(a.failures[id], e.At)
	if len(list) > 100 {
		list = list[len(list)-100:]
	}
	a.failures[id] = list
	return nil
}

func (a *MemoryAuditLog) RecentFailures(_ context.Context, identifier string, since time.Time) ([]time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []time.Time
	for _, t := range a.failures[identifier] {
		if !t.Before(since) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].After(out[j]) })
	return out, nil
}

func (h *Handler) auditLoginFailed(ctx context.Context, r requestMeta, identifier, reason string) {
	h.audit(ctx, AuditEntry{Action: actionLoginFailed, IP: r.ip, UserAgent: r.ua, Meta: map[string]any{
		"identifier": identifier,
		"reason":     reason,
	}})
}

func (h *Handler) auditLoginSuccess(ctx context.Context, r requestMeta, userID, sessionID, identifier string) {
	h.audit(ctx, AuditEntry{Action: actionLoginSuccess, UserID: &userID, SessionID: &sessionID, IP: r.ip, UserAgent: r.ua, Meta: map[string]any{
		"identifier": identifier,
	}})
}

func (h *Handler) auditLoginRateLimited(ctx context.Context, r requestMeta, identifier string, retryAfter time.Duration) {
	h.audit(ctx, AuditEntry{Action: actionLoginRateLimited, IP: r.ip, UserAgent: r.ua, Meta: map[string]any{
		"identifier":    identifier,
		"retry_after_s": int64(retryAfter.Seconds()),
	}})
}

func (h *Handler) auditUser(ctx context.Context, action string, r requestMeta, userID, sessionID string, meta map[string]any) {
	e := AuditEntry{Action: action, IP: r.ip, UserAgent: r.ua, Meta: meta}
	if userID != "" {
		e.UserID = &userID
	}
	if sessionID != "" {
		e.SessionID = &sessionID
	}
	h.audit(ctx, e)
}

func (h *Handler) audit(ctx context.Context, e AuditEntry) {
	action := strings.TrimSpace(e.Action)
	if action == "" {
		return
	}
	if e.At.IsZero() {
		e.At = h.now()
	}

	attrs := []any{"action", action}
	if e.UserID != nil {
		attrs = append(attrs, "user_id", *e.UserID)
	}
	if e.SessionID != nil {
		attrs = append(attrs, "session_id", *e.SessionID)
	}
	if e.IP != nil {
		attrs = append(attrs, "ip", e.IP.String())
	}
	h.log.LogAttrs(ctx, slog.LevelInfo, "auth.audit", slog.Group("audit", attrs...))

	if h.auditLog == nil {
		return
	}
	if err := h.auditLog.Record(ctx, e); err != nil {
		h.log.Error("auth.audit.insert.fail", "err", err, "action", action)
	}
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}
