package fingerprint

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// UserAgent is what can be read from a User-Agent header.
type UserAgent struct {
	Browser  string
	Version  string
	OS       string
	IsMobile bool
	IsBot    bool
	BotName  string
}

var botUAPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bot`),
	regexp.MustCompile(`(?i)spider`),
	regexp.MustCompile(`(?i)crawler`),
	regexp.MustCompile(`(?i)scraper`),
	regexp.MustCompile(`(?i)curl`),
	regexp.MustCompile(`(?i)wget`),
	regexp.MustCompile(`(?i)python`),
	regexp.MustCompile(`(?i)java/`),
	regexp.MustCompile(`(?i)httpie`),
	regexp.MustCompile(`(?i)postman`),
	regexp.MustCompile(`(?i)axios`),
	regexp.MustCompile(`(?i)node-fetch`),
	regexp.MustCompile(`(?i)go-http`),
	regexp.MustCompile(`(?i)okhttp`),
	regexp.MustCompile(`(?i)libwww`),
}

var (
	chromePattern  = regexp.MustCompile(`Chrome/(\d+)`)
	firefoxPattern = regexp.MustCompile(`Firefox/(\d+)`)
	safariPattern  = regexp.MustCompile(`Safari/(\d+)`)
	edgePattern    = regexp.MustCompile(`Edg/(\d+)`)
)

// ParseUserAgent extracts browser, OS and bot markers from ua.
func ParseUserAgent(ua string) UserAgent {
	var info UserAgent

	for _, pattern := range botUAPatterns {
		if match := pattern.FindString(ua); match != "" {
			info.IsBot = true
			info.BotName = match
			return info
		}
	}

	if match := edgePattern.FindStringSubmatch(ua); len(match) > 1 {
		info.Browser, info.Version = "Edge", match[1]
	} else if match := chromePattern.FindStringSubmatch(ua); len(match) > 1 {
		info.Browser, info.Version = "Chrome", match[1]
	} else if match := firefoxPattern.FindStringSubmatch(ua); len(match) > 1 {
		info.Browser, info.Version = "Firefox", match[1]
	} else if match := safariPattern.FindStringSubmatch(ua); len(match) > 1 {
		info.Browser, info.Version = "Safari", match[1]
	}

	// Android and iOS UAs also mention Linux and Mac OS X, so check them first.
	switch {
	case strings.Contains(ua, "Android"):
		info.OS = "Android"
	case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"):
		info.OS = "iOS"
	case strings.Contains(ua, "Windows"):
		info.OS = "Windows"
	case strings.Contains(ua, "Mac OS X"), strings.Contains(ua, "Macintosh"):
		info.OS = "macOS"
	case strings.Contains(ua, "Linux"):
		info.OS = "Linux"
	}

	info.IsMobile = info.OS == "Android" || info.OS == "iOS" || strings.Contains(ua, "Mobile")
	return info
}

var platformHints = map[string]string{
	"Windows": "Win",
	"macOS":   "Mac",
	"Linux":   "Linux",
}

func checkBrowserConsistency(userAgent string, env gjson.Result) []Detection {
	var results []Detection

	ua := ParseUserAgent(userAgent)
	if ua.IsBot {
		return append(results, Detection{
			Category:   CategoryBot,
			Score:      0.9,
			Confidence: 0.95,
			Reason:     "User-Agent indicates bot/automation tool",
		})
	}

	platform := env.Get("navigator.platform")
	if !platform.Exists() {
		platform = env.Get("automationFlags.platform")
	}
	if hint, ok := platformHints[ua.OS]; ok && platform.Exists() && !strings.Contains(platform.String(), hint) {
		results = append(results, Detection{
			Category:   CategoryBot,
			Score:      0.6,
			Confidence: 0.7,
			Reason:     "UA/platform mismatch: UA claims " + ua.OS,
		})
	}

	touch := env.Get("navigator.maxTouchPoints")
	if !touch.Exists() {
		touch = env.Get("automationFlags.maxTouchPoints")
	}
	if ua.IsMobile && touch.Exists() && touch.Num == 0 {
		results = append(results, Detection{
			Category:   CategoryBot,
			Score:      0.5,
			Confidence: 0.6,
			Reason:     "UA claims mobile but no touch support",
		})
	}

	if ua.Browser == "Chrome" && isFalse(env.Get("automationFlags.chrome")) {
		results = append(results, Detection{
			Category:   CategoryBot,
			Score:      0.7,
			Confidence: 0.8,
			Reason:     "UA claims Chrome but window.chrome missing",
		})
	}

	return results
}
