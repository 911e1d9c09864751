package fingerprint

import (
	"net"
	"strings"
)

// Hosting provider ranges, per provider.
var datacenterCIDRs = []string{
	// AWS
	"3.0.0.0/8", "13.0.0.0/8", "18.0.0.0/8", "52.0.0.0/8", "54.0.0.0/8",
	// Google Cloud
	"34.64.0.0/10", "35.184.0.0/13", "104.154.0.0/15", "104.196.0.0/14",
	// Azure
	"20.0.0.0/8", "40.64.0.0/10",
	// DigitalOcean
	"64.225.0.0/16", "68.183.0.0/16", "104.131.0.0/16", "134.209.0.0/16",
	"138.68.0.0/16", "139.59.0.0/16", "142.93.0.0/16", "157.245.0.0/16",
	"159.65.0.0/16", "159.89.0.0/16", "161.35.0.0/16", "164.90.0.0/16",
	"165.22.0.0/16", "165.227.0.0/16", "167.71.0.0/16", "167.99.0.0/16",
	"178.128.0.0/16", "188.166.0.0/16", "206.189.0.0/16",
	// Linode
	"45.33.0.0/16", "45.56.0.0/16", "45.79.0.0/16", "139.162.0.0/16", "172.104.0.0/15",
	// Vultr
	"45.32.0.0/16", "45.63.0.0/16", "45.76.0.0/16", "45.77.0.0/16", "108.61.0.0/16",
	"140.82.0.0/16", "144.202.0.0/16", "149.28.0.0/16",
	// Hetzner
	"5.9.0.0/16", "46.4.0.0/14", "78.46.0.0/15", "88.99.0.0/16", "95.216.0.0/14",
	"116.202.0.0/15", "135.181.0.0/16", "136.243.0.0/16", "138.201.0.0/16",
	"144.76.0.0/16", "148.251.0.0/16", "157.90.0.0/16", "159.69.0.0/16",
	"162.55.0.0/16", "168.119.0.0/16", "176.9.0.0/16", "178.63.0.0/16",
	// OVH
	"51.38.0.0/16", "51.68.0.0/16", "51.75.0.0/16", "51.77.0.0/16", "51.89.0.0/16",
	"51.91.0.0/16", "54.36.0.0/16", "54.37.0.0/16", "54.38.0.0/16", "91.134.0.0/16",
	"137.74.0.0/16", "144.217.0.0/16", "145.239.0.0/16", "149.56.0.0/16",
	"151.80.0.0/16", "158.69.0.0/16", "164.132.0.0/16", "167.114.0.0/16",
	"176.31.0.0/16", "178.32.0.0/15", "188.165.0.0/16", "192.99.0.0/16",
}

var datacenterNets []*net.IPNet

func init() {
	for _, cidr := range datacenterCIDRs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err == nil {
			datacenterNets = append(datacenterNets, ipNet)
		}
	}
}

// IsDatacenterIP reports whether addr belongs to a known hosting range.
// addr may carry a port.
func IsDatacenterIP(addr string) bool {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, ipNet := range datacenterNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

func checkIPReputation(ip string) []Detection {
	if !IsDatacenterIP(ip) {
		return nil
	}
	return []Detection{{
		Category:   CategoryDatacenter,
		Score:      0.6,
		Confidence: 0.8,
		Reason:     "Request from known datacenter IP range",
	}}
}

// BrowserHeaders are the lowercase request headers the scorer reads. Other
// headers do not affect the score.
var BrowserHeaders = []string{"accept", "accept-language", "accept-encoding", "user-agent"}

func analyzeHeaders(headers map[string]string) []Detection {
	var detections []Detection

	missing := 0
	for _, header := range BrowserHeaders {
		if _, ok := headers[header]; !ok {
			missing++
		}
	}
	if missing > 1 {
		detections = append(detections, Detection{
			Category:   CategoryBot,
			Score:      0.4,
			Confidence: 0.5,
			Reason:     "Missing expected browser headers",
		})
	}

	if lang, ok := headers["accept-language"]; ok && (lang == "" || lang == "*") {
		detections = append(detections, Detection{
			Category:   CategoryBot,
			Score:      0.3,
			Confidence: 0.4,
			Reason:     "Invalid Accept-Language header",
		})
	}

	if enc, ok := headers["accept-encoding"]; ok && !strings.Contains(enc, "gzip") && !strings.Contains(enc, "deflate") {
		detections = append(detections, Detection{
			Category:   CategoryBot,
			Score:      0.2,
			Confidence: 0.3,
			Reason:     "Unusual Accept-Encoding",
		})
	}

	return detections
}

// Known JA3 hashes of HTTP client libraries and automation tools.
var knownBotJA3Hashes = map[string]string{
	"3b5074b1b5d032e5620f69f9f700ff0e": "Python requests",
	"b32309a26951912be7dba376398abc3b": "Python urllib",
	"9e10692f1b7f78228b2d4e424db3a98c": "Go net/http",
	"473cd7cb9faa642487833865d516e578": "curl",
	"c12f54a3f91dc7bafd92cb59fe009a35": "Wget",
	"2d1eb5817ece335c24904f516ad5da2f": "Java HttpClient",
	"fc54fe03db02a25e1be5bb5a7678b7a4": "Node.js axios",
	"579ccef312d18482fc42e2b822ca2430": "Node.js node-fetch",
	"5d7974c9fe7862e0f9a3eb35a6a5d9c8": "Puppeteer default",
}

func checkJA3(ja3 string) []Detection {
	tool, ok := knownBotJA3Hashes[strings.ToLower(ja3)]
	if !ok {
		return nil
	}
	return []Detection{{
		Category:   CategoryBot,
		Score:      0.8,
		Confidence: 0.9,
		Reason:     "TLS fingerprint matches known automation tool (" + tool + ")",
	}}
}
