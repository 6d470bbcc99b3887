package simulate

import (
	"time"

	"github.com/jkaninda/kaliagents/internal/capability"
)

// Options adjusts the built-in profiles. Zero values keep each profile's own
// settings.
type Options struct {
	Seed        uint64
	SuccessRate float64
	Latency     time.Duration
}

var builtinProfiles = map[string]Profile{
	"nmap_scan": {
		SuccessRate: 0.9,
		Latency:     40 * time.Millisecond,
		Findings: []Finding{
			{Title: "Open port 22/tcp (ssh)", Kind: "open_port", Severity: 0.3, Exploitability: 0.3, AssetValue: 0.5},
			{Title: "Open port 445/tcp (microsoft-ds)", Kind: "open_port", Severity: 0.8, Exploitability: 0.8, AssetValue: 0.7},
			{Title: "Open port 3306/tcp (mysql)", Kind: "open_port", Severity: 0.6, Exploitability: 0.5, AssetValue: 0.8, MinCoverage: 0.5},
		},
	},
	"masscan_ports": {
		SuccessRate: 0.85,
		Latency:     20 * time.Millisecond,
		Findings: []Finding{
			{Title: "Open port 80/tcp", Kind: "open_port", Severity: 0.2, Exploitability: 0.3, AssetValue: 0.4},
			{Title: "Open port 8080/tcp", Kind: "open_port", Severity: 0.3, Exploitability: 0.4, AssetValue: 0.4},
		},
	},
	"network_discovery": {
		SuccessRate: 0.95,
		Latency:     10 * time.Millisecond,
		Findings: []Finding{
			{Title: "Live host discovered", Kind: "live_host", Severity: 0.1, Exploitability: 0.1, AssetValue: 0.5},
		},
	},
	"gobuster_directory": {
		SuccessRate: 0.8,
		Latency:     30 * time.Millisecond,
		Findings: []Finding{
			{Title: "Directory /admin (200)", Kind: "web_directory", Severity: 0.6, Exploitability: 0.6, AssetValue: 0.7},
			{Title: "Directory /backup (403)", Kind: "web_directory", Severity: 0.4, Exploitability: 0.3, AssetValue: 0.6, MinCoverage: 0.4},
		},
	},
	"nikto_scan": {
		SuccessRate: 0.85,
		Latency:     50 * time.Millisecond,
		Findings: []Finding{
			{Title: "Server leaks version in headers", Kind: "web_vulnerability", Severity: 0.3, Exploitability: 0.2, AssetValue: 0.5},
			{Title: "Outdated web server", Kind: "web_vulnerability", Severity: 0.7, Exploitability: 0.6, AssetValue: 0.6, MinCoverage: 0.5},
		},
	},
	"sqlmap_test": {
		SuccessRate: 0.7,
		Latency:     60 * time.Millisecond,
		Findings: []Finding{
			{Title: "Boolean-based blind SQL injection", Kind: "sql_injection", Severity: 0.95, Exploitability: 0.9, AssetValue: 0.9, MinCoverage: 0.3},
		},
	},
	"web_technology_detection": {
		SuccessRate: 0.95,
		Latency:     10 * time.Millisecond,
		Findings: []Finding{
			{Title: "Technology: nginx", Kind: "technology", Severity: 0.1, Exploitability: 0.1, AssetValue: 0.4},
		},
	},
	"volatility_analyze": {
		SuccessRate: 0.8,
		Latency:     60 * time.Millisecond,
		Findings: []Finding{
			{Title: "Unlinked process hidden from pslist", Kind: "memory_artifact", Severity: 0.8, Exploitability: 0.6, AssetValue: 0.8, MinCoverage: 0.5},
			{Title: "Outbound connection to 203.0.113.7:4444", Kind: "memory_artifact", Severity: 0.7, Exploitability: 0.5, AssetValue: 0.7, MinCoverage: 0.4},
			{Title: "Process list recovered", Kind: "memory_artifact", Severity: 0.1, Exploitability: 0.1, AssetValue: 0.5},
		},
	},
	"binwalk_analyze": {
		SuccessRate: 0.9,
		Latency:     30 * time.Millisecond,
		Findings: []Finding{
			{Title: "Embedded squashfs filesystem", Kind: "firmware_signature", Severity: 0.3, Exploitability: 0.2, AssetValue: 0.6},
			{Title: "Hardcoded private key in firmware", Kind: "firmware_signature", Severity: 0.9, Exploitability: 0.7, AssetValue: 0.8, MinCoverage: 0.6},
		},
	},
	"tshark_analyze": {
		SuccessRate: 0.9,
		Latency:     20 * time.Millisecond,
		Findings: []Finding{
			{Title: "Cleartext HTTP credentials in capture", Kind: "traffic_anomaly", Severity: 0.8, Exploitability: 0.7, AssetValue: 0.7, MinCoverage: 0.4},
			{Title: "DNS queries to newly registered domain", Kind: "traffic_anomaly", Severity: 0.5, Exploitability: 0.3, AssetValue: 0.5},
		},
	},
	"foremost_carve": {
		SuccessRate: 0.85,
		Latency:     50 * time.Millisecond,
		Findings: []Finding{
			{Title: "Deleted documents recovered", Kind: "carved_file", Severity: 0.5, Exploitability: 0.2, AssetValue: 0.7, MinCoverage: 0.3},
		},
	},
	"strings_extract": {
		SuccessRate: 0.95,
		Latency:     10 * time.Millisecond,
		Findings: []Finding{
			{Title: "Embedded URL indicators", Kind: "string_indicator", Severity: 0.3, Exploitability: 0.2, AssetValue: 0.4},
			{Title: "Base64 encoded credential string", Kind: "string_indicator", Severity: 0.6, Exploitability: 0.5, AssetValue: 0.6, MinCoverage: 0.4},
		},
	},
	"theharvester_search": {
		SuccessRate: 0.9,
		Latency:     30 * time.Millisecond,
		Findings: []Finding{
			{Title: "Employee email addresses exposed", Kind: "osint_exposure", Severity: 0.4, Exploitability: 0.5, AssetValue: 0.5},
			{Title: "Forgotten staging subdomain", Kind: "osint_exposure", Severity: 0.6, Exploitability: 0.6, AssetValue: 0.6, MinCoverage: 0.5},
		},
	},
	"shodan_search": {
		SuccessRate: 0.85,
		Latency:     20 * time.Millisecond,
		Findings: []Finding{
			{Title: "Exposed RDP service indexed by Shodan", Kind: "internet_exposure", Severity: 0.8, Exploitability: 0.7, AssetValue: 0.7, MinCoverage: 0.3},
		},
	},
	"shodan_host": {
		SuccessRate: 0.9,
		Latency:     10 * time.Millisecond,
		Findings: []Finding{
			{Title: "Host banner lists known CVEs", Kind: "internet_exposure", Severity: 0.7, Exploitability: 0.6, AssetValue: 0.6},
		},
	},
	"reconng_search": {
		SuccessRate: 0.8,
		Latency:     40 * time.Millisecond,
		Findings: []Finding{
			{Title: "Subdomains enumerated", Kind: "osint_exposure", Severity: 0.3, Exploitability: 0.3, AssetValue: 0.5},
		},
	},
	"spiderfoot_scan": {
		SuccessRate: 0.75,
		Latency:     70 * time.Millisecond,
		Findings: []Finding{
			{Title: "Leaked credentials in public breach data", Kind: "osint_exposure", Severity: 0.9, Exploitability: 0.8, AssetValue: 0.8, MinCoverage: 0.6},
			{Title: "Organisation footprint collected", Kind: "osint_exposure", Severity: 0.2, Exploitability: 0.2, AssetValue: 0.4},
		},
	},
}

// Builtins returns a simulator serving the built-in capability catalog.
func Builtins(opts Options) *Simulator {
	s := New(opts.Seed)
	for _, d := range capability.Builtins() {
		p, ok := builtinProfiles[d.ToolID]
		if !ok {
			continue
		}
		p.Findings = append([]Finding(nil), p.Findings...)
		if opts.SuccessRate > 0 {
			p.SuccessRate = opts.SuccessRate
		}
		if opts.Latency > 0 {
			p.Latency = opts.Latency
		}
		s.Add(d, p)
	}
	return s
}
