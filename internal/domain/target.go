package domain

import (
	"net"
	"net/url"
	"strings"
)

// Discretized target states used as the selection policy's state key.
const (
	TargetIPv4     = "ipv4-host"
	TargetIPv6     = "ipv6-host"
	TargetNetwork  = "network"
	TargetHostname = "hostname"
	TargetURL      = "url"
	TargetHTTPS    = "url-tls"
	TargetFile     = "file" // Evidence on disk: memory dumps, captures, images.
	TargetUnknown  = "unknown"
)

// ClassifyTarget maps an addressable entity to its discretized target state.
func ClassifyTarget(target string) string {
	t := strings.TrimSpace(target)
	if t == "" {
		return TargetUnknown
	}
	if strings.HasPrefix(t, "file://") || strings.HasPrefix(t, "/") || strings.HasPrefix(t, "./") || strings.HasPrefix(t, "../") {
		return TargetFile
	}
	if strings.Contains(t, "://") {
		u, err := url.Parse(t)
		if err != nil || u.Host == "" {
			return TargetUnknown
		}
		if u.Scheme == "https" {
			return TargetHTTPS
		}
		return TargetURL
	}
	if _, _, err := net.ParseCIDR(t); err == nil {
		return TargetNetwork
	}
	if ip := net.ParseIP(t); ip != nil {
		if ip.To4() != nil {
			return TargetIPv4
		}
		return TargetIPv6
	}
	if isHostname(t) {
		return TargetHostname
	}
	return TargetUnknown
}

func isHostname(s string) bool {
	if len(s) > 253 || !strings.Contains(s, ".") {
		return false
	}
	for _, label := range strings.Split(s, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, r := range label {
			if !(r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
				return false
			}
		}
	}
	return true
}

// TargetAsURL returns target as a URL for web tools, defaulting to http.
func TargetAsURL(target string) string {
	if strings.Contains(target, "://") {
		return target
	}
	return "http://" + target
}
