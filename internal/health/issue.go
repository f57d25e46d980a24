package health

import (
	"strings"
	"time"
)

// Issue is a classified diagnostic signal from the platform.
type Issue string

const (
	IssueNone               Issue = "NONE"
	IssueRateLimited        Issue = "RATE_LIMITED"
	IssueSessionExpired     Issue = "SESSION_EXPIRED"
	IssuePlatformCheckpoint Issue = "PLATFORM_CHECKPOINT"
	IssueSecurityChallenge  Issue = "SECURITY_CHALLENGE"
)

type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityAdvisory Severity = "advisory"
	SeverityCritical Severity = "critical"
)

func ParseIssue(raw string) (Issue, bool) {
	switch Issue(strings.ToUpper(strings.TrimSpace(raw))) {
	case IssueNone:
		return IssueNone, true
	case IssueRateLimited:
		return IssueRateLimited, true
	case IssueSessionExpired:
		return IssueSessionExpired, true
	case IssuePlatformCheckpoint:
		return IssuePlatformCheckpoint, true
	case IssueSecurityChallenge:
		return IssueSecurityChallenge, true
	default:
		return "", false
	}
}

func (i Issue) Severity() Severity {
	switch i {
	case IssueSessionExpired, IssuePlatformCheckpoint, IssueSecurityChallenge:
		return SeverityCritical
	case IssueRateLimited:
		return SeverityAdvisory
	default:
		return SeverityNone
	}
}

// Policy maps issues to tenant cooldowns.
type Policy struct {
	Cooldowns map[Issue]time.Duration
	// EscalationThreshold is the number of consecutive RATE_LIMITED strikes
	// at which the advisory signal is handled as critical.
	EscalationThreshold int
}

func DefaultPolicy() Policy {
	return Policy{
		Cooldowns: map[Issue]time.Duration{
			IssueRateLimited:        30 * time.Minute,
			IssueSessionExpired:     30 * time.Minute,
			IssuePlatformCheckpoint: 60 * time.Minute,
			IssueSecurityChallenge:  120 * time.Minute,
		},
		EscalationThreshold: 3,
	}
}

// Cooldown falls back to the default duration for issues the policy leaves unset.
func (p Policy) Cooldown(issue Issue) time.Duration {
	if d, ok := p.Cooldowns[issue]; ok && d > 0 {
		return d
	}
	return DefaultPolicy().Cooldowns[issue]
}

// Assessment is the handling decided for one classified issue.
type Assessment struct {
	Issue     Issue
	Severity  Severity
	Cooldown  time.Duration
	Escalated bool
}

func (a Assessment) Critical() bool {
	return a.Severity == SeverityCritical
}

// Assess decides severity given the tenant's consecutive rate-limit strikes,
// counting the current one.
func (p Policy) Assess(issue Issue, strikes int) Assessment {
	out := Assessment{Issue: issue, Severity: issue.Severity()}
	if out.Severity == SeverityCritical {
		out.Cooldown = p.Cooldown(issue)
		return out
	}
	if issue == IssueRateLimited && p.EscalationThreshold > 0 && strikes >= p.EscalationThreshold {
		out.Severity = SeverityCritical
		out.Cooldown = p.Cooldown(issue)
		out.Escalated = true
	}
	return out
}
