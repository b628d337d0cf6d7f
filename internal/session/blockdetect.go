package session

import (
	"strings"

	"github.com/sells-group/parcel-cli/internal/resilience"
)

// DetectBlock inspects a loaded page for anti-bot and throttling responses.
// It returns "" when the page looks usable.
func DetectBlock(status int, html string) resilience.Kind {
	lower := strings.ToLower(html)

	if status == 429 ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "rate limit exceeded") {
		return resilience.KindRateLimited
	}

	// Cloudflare interstitials.
	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		strings.Contains(lower, "cf-challenge") ||
		(strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge")) {
		return resilience.KindCaptchaDetected
	}

	if strings.Contains(lower, "g-recaptcha") ||
		strings.Contains(lower, "hcaptcha") ||
		strings.Contains(lower, "captcha") {
		return resilience.KindCaptchaDetected
	}

	return resilience.KindForStatus(status)
}
