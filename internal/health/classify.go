package health

import (
	"net/http"
	"strings"
)

// Signal is the raw failure information available at the task boundary.
type Signal struct {
	// Issue is set when the automation side diagnosed the failure itself.
	Issue      Issue
	StatusCode int
	Message    string
}

// Classify prefers the structured issue and falls back to the HTTP status
// and then keyword matching on the message.
func Classify(sig Signal) Issue {
	if sig.Issue != "" && sig.Issue != IssueNone {
		if parsed, ok := ParseIssue(string(sig.Issue)); ok {
			return parsed
		}
	}
	if sig.StatusCode == http.StatusTooManyRequests {
		return IssueRateLimited
	}
	return ClassifyText(sig.Message)
}

type keywordRule struct {
	issue    Issue
	keywords []string
}

// Ordered most to least severe so a page mentioning both a checkpoint and
// a rate limit is handled as the checkpoint.
var keywordRules = []keywordRule{
	{
		issue: IssueSecurityChallenge,
		keywords: []string{
			"captcha",
			"security check",
			"security verification",
			"verify you are human",
			"verify you're human",
			"unusual activity",
			"two-step verification",
			"pin verification",
		},
	},
	{
		issue: IssuePlatformCheckpoint,
		keywords: []string{
			"checkpoint",
			"account restricted",
			"temporarily restricted",
			"verify your identity",
			"confirm your identity",
		},
	},
	{
		issue: IssueSessionExpired,
		keywords: []string{
			"session expired",
			"session has expired",
			"login required",
			"please sign in",
			"sign in to continue",
			"authwall",
			"logged out",
			"invalid session",
		},
	},
	{
		issue: IssueRateLimited,
		keywords: []string{
			"429",
			"too many requests",
			"rate limit",
			"rate-limit",
			"ratelimit",
			"slow down",
			"try again later",
		},
	},
}

// ClassifyText is the keyword fallback for failures the automation side
// could not diagnose.
func ClassifyText(text string) Issue {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return IssueNone
	}
	for _, rule := range keywordRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(lower, keyword) {
				return rule.issue
			}
		}
	}
	return IssueNone
}
