package fingerprint

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var automationUAPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)headless`),
	regexp.MustCompile(`(?i)phantomjs`),
	regexp.MustCompile(`(?i)selenium`),
	regexp.MustCompile(`(?i)webdriver`),
	regexp.MustCompile(`(?i)puppeteer`),
	regexp.MustCompile(`(?i)playwright`),
	regexp.MustCompile(`(?i)cypress`),
	regexp.MustCompile(`(?i)nightwatch`),
	regexp.MustCompile(`(?i)zombie`),
	regexp.MustCompile(`(?i)electron`),
}

// isFalse reports whether v was sent and is false. Absent values are neutral.
func isFalse(v gjson.Result) bool {
	return v.Exists() && v.Type == gjson.False
}

func detectHeadless(env gjson.Result, userAgent string) []Detection {
	var results []Detection

	if env.Get("webdriver").Bool() {
		results = append(results, Detection{
			Category:   CategoryHeadless,
			Score:      0.95,
			Confidence: 0.95,
			Reason:     "WebDriver detected (navigator.webdriver = true)",
		})
	}

	automation := env.Get("automationFlags")
	if plugins := automation.Get("plugins"); plugins.Exists() && plugins.Num == 0 {
		results = append(results, Detection{
			Category:   CategoryHeadless,
			Score:      0.6,
			Confidence: 0.6,
			Reason:     "No browser plugins detected",
		})
	}
	if isFalse(automation.Get("languages")) {
		results = append(results, Detection{
			Category:   CategoryHeadless,
			Score:      0.5,
			Confidence: 0.5,
			Reason:     "No navigator.languages",
		})
	}

	headless := env.Get("headlessIndicators")
	if isFalse(headless.Get("hasOuterDimensions")) {
		results = append(results, Detection{
			Category:   CategoryHeadless,
			Score:      0.7,
			Confidence: 0.7,
			Reason:     "Window lacks outer dimensions",
		})
	}
	if headless.Get("innerEqualsOuter").Bool() {
		results = append(results, Detection{
			Category:   CategoryHeadless,
			Score:      0.4,
			Confidence: 0.5,
			Reason:     "Viewport equals window size (no browser chrome)",
		})
	}

	for _, pattern := range automationUAPatterns {
		if pattern.MatchString(userAgent) {
			results = append(results, Detection{
				Category:   CategoryHeadless,
				Score:      0.9,
				Confidence: 0.9,
				Reason:     "Automation pattern in User-Agent",
			})
			break
		}
	}

	renderer := strings.ToLower(env.Get("webglInfo.renderer").String())
	if strings.Contains(renderer, "swiftshader") || strings.Contains(renderer, "llvmpipe") {
		results = append(results, Detection{
			Category:   CategoryHeadless,
			Score:      0.8,
			Confidence: 0.8,
			Reason:     "Software WebGL renderer detected (SwiftShader/LLVMpipe)",
		})
	}

	return results
}

func detectEnvironment(env gjson.Result) []Detection {
	var results []Detection

	if canvas := env.Get("canvasHash"); canvas.Exists() {
		if v := canvas.String(); v == "" || v == "error" || v == "blocked" {
			results = append(results, Detection{
				Category:   CategoryFingerprint,
				Score:      0.4,
				Confidence: 0.4,
				Reason:     "Canvas fingerprinting blocked or failed",
			})
		}
	}

	if env.Get("audioHash").String() == "unsupported" {
		results = append(results, Detection{
			Category:   CategoryFingerprint,
			Score:      0.3,
			Confidence: 0.3,
			Reason:     "AudioContext not supported",
		})
	}

	if raf := env.Get("rafConsistency.frameTimeVariance"); raf.Exists() && raf.Num < 0.1 {
		results = append(results, Detection{
			Category:   CategoryAutomation,
			Score:      0.5,
			Confidence: 0.4,
			Reason:     "RequestAnimationFrame timing too consistent",
		})
	}

	return results
}
