package session

import (
	"fmt"
	"net"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// DeviceType classifies the client that owns a session.
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceUnknown DeviceType = "unknown"
)

const maxDeviceFieldRunes = 128

// DeviceInfo is the validated device descriptor attached to a session at creation.
// IP is the request address; it seeds Session.LastIP and is not part of the immutable metadata.
type DeviceInfo struct {
	Type    DeviceType
	Name    string
	Browser string
	OS      string
	IP      net.IP
}

// ParseDevice validates client-supplied device fields. Empty type means unknown,
// empty browser or os become "Unknown".
func ParseDevice(typ, name, browser, osName string) (DeviceInfo, error) {
	d := DeviceInfo{Type: DeviceUnknown}

	switch DeviceType(strings.ToLower(strings.TrimSpace(typ))) {
	case "", DeviceUnknown:
	case DeviceDesktop:
		d.Type = DeviceDesktop
	case DeviceMobile:
		d.Type = DeviceMobile
	case DeviceTablet:
		d.Type = DeviceTablet
	default:
		return DeviceInfo{}, fmt.Errorf("%w: type %q", ErrInvalidDevice, typ)
	}

	var err error
	if d.Name, err = cleanDeviceField("name", name, ""); err != nil {
		return DeviceInfo{}, err
	}
	if d.Browser, err = cleanDeviceField("browser", browser, "Unknown"); err != nil {
		return DeviceInfo{}, err
	}
	if d.OS, err = cleanDeviceField("os", osName, "Unknown"); err != nil {
		return DeviceInfo{}, err
	}
	return d, nil
}

func cleanDeviceField(field, v, def string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return def, nil
	}
	if !utf8.ValidString(v) || utf8.RuneCountInString(v) > maxDeviceFieldRunes {
		return "", fmt.Errorf("%w: %s", ErrInvalidDevice, field)
	}
	for _, r := range v {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: %s", ErrInvalidDevice, field)
		}
	}
	return v, nil
}

// Label is the human-facing device name shown in session pickers.
func (d DeviceInfo) Label() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Browser + " on " + d.OS
}

// Session mirrors a sg.sessions row.
type Session struct {
	ID            string
	UserID        string
	TokenID       string
	Device        DeviceInfo
	CreatedAt     time.Time
	LastActive    time.Time
	LastIP        net.IP
	ActivityCount int64

	// MarkedAt is set once the session is marked for deletion and never cleared.
	MarkedAt *time.Time
}

// Marked reports whether the session is marked for deletion.
func (s Session) Marked() bool { return s.MarkedAt != nil }

// View projects the session for listings.
func (s Session) View(currentTokenID string) SessionView {
	return SessionView{
		ID:         s.ID,
		Label:      s.Device.Label(),
		DeviceType: s.Device.Type,
		Browser:    s.Device.Browser,
		OS:         s.Device.OS,
		CreatedAt:  s.CreatedAt,
		LastActive: s.LastActive,
		Current:    currentTokenID != "" && s.TokenID == currentTokenID,
	}
}

// RefreshToken mirrors a sg.refresh_tokens row. The plain token is never stored.
type RefreshToken struct {
	ID        string
	TokenID   string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	Revoked   bool
	RevokedAt *time.Time
	CreatedAt time.Time
}

// Usable reports whether the row may still be rotated.
func (r RefreshToken) Usable(now time.Time) bool {
	return !r.Revoked && r.ExpiresAt.After(now)
}

// SessionView is a session as presented to its owner.
type SessionView struct {
	ID         string
	Label      string
	DeviceType DeviceType
	Browser    string
	OS         string
	CreatedAt  time.Time
	LastActive time.Time
	Current    bool
}

func views(ss []Session, currentTokenID string) []SessionView {
	out := make([]SessionView, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.View(currentTokenID))
	}
	return out
}
