package session

import (
	"strings"

	"github.com/JakeFAU/listing-crawler/internal/extract"
)

// ChallengeSelectors are widgets that only appear on a bot-check interstitial.
var ChallengeSelectors = []string{
	".captcha",
	"#captcha",
	`[class*="verify"]`,
	`[id*="verify"]`,
	".verification",
	`[class*="captcha"]`,
}

var (
	challengeTitles  = []string{"验证中心", "verification center", "captcha", "人机验证"}
	challengeContent = []string{"验证码", "captcha", "人机验证", "verification"}
)

// IsChallengePage reports whether html is a verification interstitial. Both
// the title and the body must carry a challenge signature; a listing that
// merely mentions "verification" somewhere does not count.
func IsChallengePage(html string) bool {
	page, err := extract.Parse(html)
	if err != nil {
		return false
	}
	title := strings.ToLower(page.Title())
	if !containsAny(title, challengeTitles) {
		return false
	}
	return containsAny(strings.ToLower(html), challengeContent)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
