package session

import (
	"context"
	"slices"
	"time"
)

// DeviceSession is one session within a DeviceGroup.
type DeviceSession struct {
	ID             string
	IPAddress      string
	Country        string
	City           string
	CreatedAt      time.Time
	LastActivityAt time.Time
	AbsoluteExpiry time.Time
	Current        bool
}

// DeviceGroup collects the active sessions that share a device fingerprint.
type DeviceGroup struct {
	DeviceFingerprint string
	Browser           string
	OperatingSystem   string
	Platform          string
	LastActivityAt    time.Time
	Current           bool
	Sessions          []DeviceSession
}

// ListActiveSessions returns a user's active sessions grouped by device,
// newest activity first. currentSessionID is flagged when present.
func (s *Service) ListActiveSessions(ctx context.Context, now time.Time, userID, currentSessionID string) ([]DeviceGroup, error) {
	sessions, err := s.store.ListSessions(ctx, userID, true, now)
	if err != nil {
		return nil, err
	}
	return groupByDevice(sessions, currentSessionID), nil
}

// Sessions returns every session of a user, including revoked and expired ones.
func (s *Service) Sessions(ctx context.Context, now time.Time, userID string) ([]Session, error) {
	return s.store.ListSessions(ctx, userID, false, now)
}

func groupByDevice(sessions []Session, currentSessionID string) []DeviceGroup {
	index := make(map[string]int)
	groups := make([]DeviceGroup, 0)
	for _, sess := range sessions {
		i, ok := index[sess.DeviceFingerprint]
		if !ok {
			i = len(groups)
			index[sess.DeviceFingerprint] = i
			groups = append(groups, DeviceGroup{
				DeviceFingerprint: sess.DeviceFingerprint,
				Browser:           sess.Browser,
				OperatingSystem:   sess.OperatingSystem,
				Platform:          string(sess.Platform),
			})
		}
		g := &groups[i]
		current := sess.ID == currentSessionID
		var ip string
		if sess.IPAddress != nil {
			ip = sess.IPAddress.String()
		}
		g.Sessions = append(g.Sessions, DeviceSession{
			ID:             sess.ID,
			IPAddress:      ip,
			Country:        sess.Country,
			City:           sess.City,
			CreatedAt:      sess.CreatedAt,
			LastActivityAt: sess.LastActivityAt,
			AbsoluteExpiry: sess.AbsoluteExpiry,
			Current:        current,
		})
		if current {
			g.Current = true
		}
		if sess.LastActivityAt.After(g.LastActivityAt) {
			g.LastActivityAt = sess.LastActivityAt
		}
	}
	for i := range groups {
		slices.SortStableFunc(groups[i].Sessions, func(a, b DeviceSession) int {
			return b.LastActivityAt.Compare(a.LastActivityAt)
		})
	}
	slices.SortStableFunc(groups, func(a, b DeviceGroup) int {
		return b.LastActivityAt.Compare(a.LastActivityAt)
	})
	return groups
}
