package capability

// Worker domains.
const (
	DomainNetwork       = "network"
	DomainWeb           = "web"
	DomainVulnerability = "vulnerability"
	DomainForensic      = "forensic"
	DomainSocial        = "social"
)

// Output schema tags understood by the built-in parsers.
const (
	SchemaFindingsJSON  = "findings.v1"
	SchemaFindingsLines = "findings.jsonl"
)

// Builtins returns the descriptors of the standard tool catalog. The shapes
// follow the tool servers the workers front: the registry only knows how to
// validate and search their parameters, not how the tools run.
func Builtins() []Descriptor {
	return []Descriptor{
		{
			ToolID:       "nmap_scan",
			CostHint:     0.5,
			Domain:       DomainNetwork,
			Description:  "Port and service scan of a host or range",
			OutputSchema: SchemaFindingsJSON,
			Timeout:      10,
			Params: []ParamSpec{
				{Name: "target", Kind: KindString, Required: true},
				{Name: "scan_type", Kind: KindEnum, Default: "stealth", Choices: []Choice{
					{Value: "stealth", Coverage: 0.4, Cost: 0.3},
					{Value: "connect", Coverage: 0.4, Cost: 0.2},
					{Value: "udp", Coverage: 0.5, Cost: 0.8},
					{Value: "version", Coverage: 0.7, Cost: 0.5},
					{Value: "aggressive", Coverage: 1.0, Cost: 1.0},
				}},
				{Name: "ports", Kind: KindEnum, Default: "top-1000", Choices: []Choice{
					{Value: "top-1000", Coverage: 0.5, Cost: 0.3},
					{Value: "all", Coverage: 1.0, Cost: 1.0},
				}},
				{Name: "timing", Kind: KindInt, Min: 0, Max: 5, Default: 3, Coverage: 0.2, Cost: -0.4},
			},
		},
		{
			ToolID:       "masscan_ports",
			CostHint:     0.3,
			Domain:       DomainNetwork,
			Description:  "High-rate TCP port sweep",
			OutputSchema: SchemaFindingsJSON,
			Timeout:      5,
			Params: []ParamSpec{
				{Name: "target", Kind: KindString, Required: true},
				{Name: "ports", Kind: KindString, Default: "1-1000"},
				{Name: "rate", Kind: KindInt, Min: 100, Max: 100000, Default: 1000, Coverage: 0.3, Cost: 0.6},
			},
		},
		{
			ToolID:       "network_discovery",
			CostHint:     0.1,
			Domain:       DomainNetwork,
			Description:  "Live host discovery on a network",
			OutputSchema: SchemaFindingsJSON,
			TargetParam:  "network",
			Timeout:      2,
			Params: []ParamSpec{
				{Name: "network", Kind: KindString, Required: true},
				{Name: "method", Kind: KindEnum, Default: "ping", Choices: []Choice{
					{Value: "ping", Coverage: 0.6, Cost: 0.2},
					{Value: "arp", Coverage: 0.9, Cost: 0.4},
				}},
			},
		},
		{
			ToolID:       "gobuster_directory",
			CostHint:     0.4,
			Domain:       DomainWeb,
			Description:  "Directory and file brute force",
			OutputSchema: SchemaFindingsJSON,
			TargetParam:  "url",
			Timeout:      10,
			Params: []ParamSpec{
				{Name: "url", Kind: KindString, Required: true},
				{Name: "wordlist", Kind: KindEnum, Default: "common", Choices: []Choice{
					{Value: "common", Coverage: 0.4, Cost: 0.2},
					{Value: "medium", Coverage: 0.7, Cost: 0.6},
					{Value: "big", Coverage: 1.0, Cost: 1.0},
				}},
				{Name: "threads", Kind: KindInt, Min: 1, Max: 50, Default: 10, Coverage: 0.1, Cost: 0.3},
				{Name: "follow_redirects", Kind: KindBool, Default: false, Coverage: 0.2, Cost: 0.1},
			},
		},
		{
			ToolID:       "nikto_scan",
			CostHint:     0.6,
			Domain:       DomainWeb,
			Description:  "Web server vulnerability scan",
			OutputSchema: SchemaFindingsJSON,
			Timeout:      20,
			Params: []ParamSpec{
				{Name: "target", Kind: KindString, Required: true},
				{Name: "tuning", Kind: KindEnum, Default: "standard", Choices: []Choice{
					{Value: "quick", Coverage: 0.3, Cost: 0.2},
					{Value: "standard", Coverage: 0.6, Cost: 0.5},
					{Value: "full", Coverage: 1.0, Cost: 1.0},
				}},
				{Name: "ssl", Kind: KindBool, Default: false, Coverage: 0.2, Cost: 0.1},
			},
		},
		{
			ToolID:       "sqlmap_test",
			CostHint:     0.8,
			Domain:       DomainVulnerability,
			Description:  "SQL injection probe",
			OutputSchema: SchemaFindingsJSON,
			TargetParam:  "url",
			Timeout:      20,
			Params: []ParamSpec{
				{Name: "url", Kind: KindString, Required: true},
				{Name: "level", Kind: KindInt, Min: 1, Max: 5, Default: 1, Coverage: 0.6, Cost: 0.5},
				{Name: "risk", Kind: KindInt, Min: 1, Max: 3, Default: 1, Coverage: 0.4, Cost: 0.5},
			},
		},
		{
			ToolID:       "web_technology_detection",
			CostHint:     0.1,
			Domain:       DomainWeb,
			Description:  "Fingerprint server-side technologies",
			OutputSchema: SchemaFindingsJSON,
			TargetParam:  "url",
			Params: []ParamSpec{
				{Name: "url", Kind: KindString, Required: true},
				{Name: "aggression", Kind: KindInt, Min: 1, Max: 4, Default: 1, Coverage: 0.5, Cost: 0.4},
			},
		},
		{
			ToolID:       "volatility_analyze",
			CostHint:     0.7,
			Domain:       DomainForensic,
			Description:  "Memory dump analysis with Volatility 3 plugins",
			OutputSchema: SchemaFindingsJSON,
			TargetParam:  "memory_dump",
			Timeout:      30,
			Params: []ParamSpec{
				{Name: "memory_dump", Kind: KindString, Required: true},
				{Name: "plugins", Kind: KindEnum, Default: "pslist", Choices: []Choice{
					{Value: "pslist", Coverage: 0.3, Cost: 0.2},
					{Value: "pslist,netscan", Coverage: 0.6, Cost: 0.5},
					{Value: "pslist,netscan,malfind", Coverage: 1.0, Cost: 1.0},
				}},
				{Name: "profile", Kind: KindString},
			},
		},
		{
			ToolID:       "binwalk_analyze",
			CostHint:     0.4,
			Domain:       DomainForensic,
			Description:  "Firmware signature, entropy and extraction analysis",
			OutputSchema: SchemaFindingsJSON,
			TargetParam:  "firmware_file",
			Timeout:      10,
			Params: []ParamSpec{
				{Name: "firmware_file", Kind: KindString, Required: true},
				{Name: "signature", Kind: KindBool, Default: true, Coverage: 0.4, Cost: 0.1},
				{Name: "entropy", Kind: KindBool, Default: false, Coverage: 0.3, Cost: 0.3},
				{Name: "extract", Kind: KindBool, Default: false, Coverage: 0.3, Cost: 0.6},
			},
		},
		{
			ToolID:       "tshark_analyze",
			CostHint:     0.3,
			Domain:       DomainForensic,
			Description:  "Packet capture analysis with tshark",
			OutputSchema: SchemaFindingsJSON,
			TargetParam:  "pcap_file",
			Timeout:      10,
			Params: []ParamSpec{
				{Name: "pcap_file", Kind: KindString, Required: true},
				{Name: "display_filter", Kind: KindEnum, Default: "frame", Choices: []Choice{
					{Value: "frame", Coverage: 1.0, Cost: 0.8},
					{Value: "http", Coverage: 0.4, Cost: 0.3},
					{Value: "dns", Coverage: 0.3, Cost: 0.2},
					{Value: "tcp.flags.syn == 1", Coverage: 0.5, Cost: 0.3},
				}},
				{Name: "read_filter", Kind: KindString},
			},
		},
		{
			ToolID:       "foremost_carve",
			CostHint:     0.6,
			Domain:       DomainForensic,
			Description:  "File carving from disk images",
			OutputSchema: SchemaFindingsJSON,
			TargetParam:  "image_file",
			Timeout:      30,
			Params: []ParamSpec{
				{Name: "image_file", Kind: KindString, Required: true},
				{Name: "file_types", Kind: KindEnum, Default: "all", Choices: []Choice{
					{Value: "jpg,png,gif", Coverage: 0.3, Cost: 0.3},
					{Value: "pdf,doc,zip", Coverage: 0.4, Cost: 0.4},
					{Value: "all", Coverage: 1.0, Cost: 1.0},
				}},
			},
		},
		{
			ToolID:       "strings_extract",
			CostHint:     0.1,
			Domain:       DomainForensic,
			Description:  "Printable string extraction and indicator search",
			OutputSchema: SchemaFindingsJSON,
			TargetParam:  "file_path",
			Timeout:      2,
			Params: []ParamSpec{
				{Name: "file_path", Kind: KindString, Required: true},
				{Name: "min_length", Kind: KindInt, Min: 4, Max: 16, Default: 4, Coverage: 0.1, Cost: -0.2},
				{Name: "encoding", Kind: KindEnum, Default: "ascii", Choices: []Choice{
					{Value: "ascii", Coverage: 0.5, Cost: 0.2},
					{Value: "unicode", Coverage: 0.4, Cost: 0.2},
					{Value: "utf-8", Coverage: 0.6, Cost: 0.3},
				}},
			},
		},
		{
			ToolID:       "theharvester_search",
			CostHint:     0.3,
			Domain:       DomainSocial,
			Description:  "Email, subdomain and host harvesting from public sources",
			OutputSchema: SchemaFindingsJSON,
			TargetParam:  "domain",
			Timeout:      10,
			Params: []ParamSpec{
				{Name: "domain", Kind: KindString, Required: true},
				{Name: "sources", Kind: KindEnum, Default: "bing,duckduckgo", Choices: []Choice{
					{Value: "bing,duckduckgo", Coverage: 0.4, Cost: 0.2},
					{Value: "bing,duckduckgo,crtsh,otx", Coverage: 0.7, Cost: 0.5},
					{Value: "all", Coverage: 1.0, Cost: 1.0},
				}},
				{Name: "limit", Kind: KindInt, Min: 50, Max: 1000, Default: 500, Coverage: 0.3, Cost: 0.3},
			},
		},
		{
			ToolID:       "shodan_search",
			CostHint:     0.4,
			Domain:       DomainSocial,
			Description:  "Shodan search for Internet-exposed services",
			OutputSchema: SchemaFindingsJSON,
			TargetParam:  "query",
			Timeout:      3,
			Params: []ParamSpec{
				{Name: "query", Kind: KindString, Required: true},
				{Name: "limit", Kind: KindInt, Min: 10, Max: 500, Default: 100, Coverage: 0.5, Cost: 0.5},
			},
		},
		{
			ToolID:       "shodan_host",
			CostHint:     0.2,
			Domain:       DomainSocial,
			Description:  "Shodan host record lookup",
			OutputSchema: SchemaFindingsJSON,
			TargetParam:  "ip",
			Timeout:      2,
			Params: []ParamSpec{
				{Name: "ip", Kind: KindString, Required: true},
			},
		},
		{
			ToolID:       "reconng_search",
			CostHint:     0.5,
			Domain:       DomainSocial,
			Description:  "Domain reconnaissance with recon-ng modules",
			OutputSchema: SchemaFindingsJSON,
			TargetParam:  "domain",
			Timeout:      10,
			Params: []ParamSpec{
				{Name: "domain", Kind: KindString, Required: true},
				{Name: "modules", Kind: KindEnum, Default: "hackertarget", Choices: []Choice{
					{Value: "hackertarget", Coverage: 0.4, Cost: 0.2},
					{Value: "hackertarget,brute_hosts", Coverage: 0.8, Cost: 0.7},
				}},
			},
		},
		{
			ToolID:       "spiderfoot_scan",
			CostHint:     0.9,
			Domain:       DomainSocial,
			Description:  "Automated OSINT collection with SpiderFoot",
			OutputSchema: SchemaFindingsJSON,
			Timeout:      30,
			Params: []ParamSpec{
				{Name: "target", Kind: KindString, Required: true},
				{Name: "scan_type", Kind: KindEnum, Default: "passive", Choices: []Choice{
					{Value: "passive", Coverage: 0.4, Cost: 0.3},
					{Value: "footprint", Coverage: 0.7, Cost: 0.6},
					{Value: "all", Coverage: 1.0, Cost: 1.0},
				}},
			},
		},
	}
}

// RegisterBuiltins registers the standard catalog on r.
func RegisterBuiltins(r *Registry) error {
	for _, d := range Builtins() {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}
