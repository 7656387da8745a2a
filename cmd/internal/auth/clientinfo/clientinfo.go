// Package clientinfo derives device and network details for a request:
// browser, operating system, platform, client IP and coarse geo location.
package clientinfo

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/mssola/useragent"
)

// Platform represents the client platform associated with a session.
type Platform string

const (
	PlatformWeb     Platform = "web"
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformDesktop Platform = "desktop"
	PlatformUnknown Platform = "unknown"
)

// ParsePlatform maps a client-declared platform to a Platform.
func ParsePlatform(p string) Platform {
	switch Platform(strings.ToLower(strings.TrimSpace(p))) {
	case PlatformWeb:
		return PlatformWeb
	case PlatformIOS:
		return PlatformIOS
	case PlatformAndroid:
		return PlatformAndroid
	case PlatformDesktop:
		return PlatformDesktop
	default:
		return PlatformUnknown
	}
}

// Info describes the device that owns a session.
type Info struct {
	UserAgent       string
	Browser         string
	OperatingSystem string
	Platform        Platform
	Mobile          bool
	IP              net.IP
	Country         string
	City            string
}

// IPString returns the client IP or "" when unknown.
func (i Info) IPString() string {
	if i.IP == nil {
		return ""
	}
	return i.IP.String()
}

// Fingerprint groups sessions that come from the same device class.
// It hashes browser, OS and platform so that rotating IPs do not split a device.
func (i Info) Fingerprint() string {
	return Fingerprint(i.Browser, i.OperatingSystem, string(i.Platform))
}

// Fingerprint hashes the device-identifying parts into a short hex key.
func Fingerprint(browser, os, platform string) string {
	material := strings.ToLower(strings.Join([]string{browser, os, platform}, "|"))
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:16])
}

// Resolver builds Info from HTTP requests.
type Resolver struct {
	// TrustProxy enables X-Forwarded-For / X-Real-IP and CDN geo headers.
	TrustProxy bool
}

// FromRequest extracts Info from r. declared is the platform the client claims, if any.
func (res Resolver) FromRequest(r *http.Request, declared string) Info {
	info := Parse(r.UserAgent())
	if p := ParsePlatform(declared); p != PlatformUnknown {
		info.Platform = p
	}
	info.IP = ClientIP(r, res.TrustProxy)
	if res.TrustProxy {
		info.Country, info.City = geoFromHeaders(r.Header)
	}
	return info
}

// Parse derives browser, OS and platform from a User-Agent string.
func Parse(ua string) Info {
	ua = strings.TrimSpace(ua)
	info := Info{UserAgent: ua, Platform: PlatformUnknown}
	if ua == "" {
		return info
	}

	parsed := useragent.New(ua)
	name, version := parsed.Browser()
	info.Browser = strings.TrimSpace(name + " " + majorVersion(version))
	info.OperatingSystem = parsed.OSInfo().Name
	info.Mobile = parsed.Mobile()

	os := strings.ToLower(info.OperatingSystem)
	switch {
	case strings.Contains(os, "ios") || strings.Contains(strings.ToLower(parsed.Platform()), "iphone") || strings.Contains(strings.ToLower(parsed.Platform()), "ipad"):
		info.Platform = PlatformIOS
	case strings.Contains(os, "android"):
		info.Platform = PlatformAndroid
	case parsed.Bot():
		info.Platform = PlatformUnknown
	case name != "":
		info.Platform = PlatformWeb
	}
	return info
}

func majorVersion(v string) string {
	if i := strings.IndexByte(v, '.'); i > 0 {
		return v[:i]
	}
	return v
}

// geoFromHeaders reads the country/city headers set by common CDNs.
func geoFromHeaders(h http.Header) (country, city string) {
	for _, k := range []string{"CF-IPCountry", "CloudFront-Viewer-Country", "X-Country-Code"} {
		if v := strings.TrimSpace(h.Get(k)); v != "" && v != "XX" {
			country = strings.ToUpper(v)
			break
		}
	}
	for _, k := range []string{"CF-IPCity", "CloudFront-Viewer-City", "X-City"} {
		if v := strings.TrimSpace(h.Get(k)); v != "" {
			city = v
			break
		}
	}
	return country, city
}

// ClientIP returns the caller IP. Forwarding headers are honored only when trustProxy is set.
func ClientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

func parseForwardedIP(raw string) net.IP {
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
