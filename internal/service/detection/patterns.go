package detection

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/czhaoca/pathfinder-sub012/internal/domain/abuse"
)

// Pattern names. The orchestrator keys its response policy on these.
const (
	PatternRapidSuccession    = "rapid_succession"
	PatternSequential         = "sequential_pattern"
	PatternDistributedAttack  = "distributed_attack"
	PatternBotSignature       = "bot_signature"
	PatternCredentialStuffing = "credential_stuffing"
	PatternEmailEnumeration   = "email_enumeration"
	PatternDictionaryAttack   = "dictionary_attack"
)

// rapidSuccessionPattern triggers when any single IP produces more attempts
// within the window than the configured ceiling.
type rapidSuccessionPattern struct {
	maxAttempts int
}

func (p *rapidSuccessionPattern) Name() string { return PatternRapidSuccession }

func (p *rapidSuccessionPattern) Detect(_ context.Context, attempts []abuse.AttemptRecord) abuse.PatternVerdict {
	verdict := abuse.PatternVerdict{Pattern: p.Name(), Severity: abuse.SeverityMedium}

	perIP := make(map[string]int)
	for i := range attempts {
		perIP[attempts[i].SourceIP]++
	}

	for ip, count := range perIP {
		if count > p.maxAttempts {
			verdict.Detected = true
			verdict.Evidence = map[string]interface{}{
				"ip":        ip,
				"attempts":  count,
				"threshold": p.maxAttempts,
			}
			break
		}
	}
	return verdict
}

// sequentialPattern triggers when usernames or email local parts form an
// incrementing run (user1, user2, user3). Extraction is robust to
// non-numeric suffixes: only the trailing numeric token is compared.
type sequentialPattern struct {
	minRun int
}

func (p *sequentialPattern) Name() string { return PatternSequential }

func (p *sequentialPattern) Detect(_ context.Context, attempts []abuse.AttemptRecord) abuse.PatternVerdict {
	verdict := abuse.PatternVerdict{Pattern: p.Name(), Severity: abuse.SeverityHigh}

	prefix, run := longestSequentialRun(attempts)
	if run >= p.minRun {
		verdict.Detected = true
		verdict.Evidence = map[string]interface{}{
			"prefix":     prefix,
			"run_length": run,
			"threshold":  p.minRun,
		}
	}
	return verdict
}

// distributedAttackPattern triggers on fan-in: one target identity attempted
// from many distinct source IPs, the signature of credential-stuffing
// botnets.
type distributedAttackPattern struct {
	minIPs int
}

func (p *distributedAttackPattern) Name() string { return PatternDistributedAttack }

func (p *distributedAttackPattern) Detect(_ context.Context, attempts []abuse.AttemptRecord) abuse.PatternVerdict {
	verdict := abuse.PatternVerdict{Pattern: p.Name(), Severity: abuse.SeverityHigh}

	ipsPerTarget := make(map[string]map[string]bool)
	for i := range attempts {
		hash := attempts[i].EmailHash
		if hash == "" {
			continue
		}
		if ipsPerTarget[hash] == nil {
			ipsPerTarget[hash] = make(map[string]bool)
		}
		ipsPerTarget[hash][attempts[i].SourceIP] = true
	}

	for hash, ips := range ipsPerTarget {
		if len(ips) >= p.minIPs {
			verdict.Detected = true
			verdict.Severity = abuse.SeverityCritical
			verdict.Evidence = map[string]interface{}{
				"email_hash":   hash,
				"distinct_ips": len(ips),
				"threshold":    p.minIPs,
			}
			break
		}
	}
	return verdict
}

// botSignaturePattern triggers on any of three automation signals:
// metronomic inter-attempt timing, one user agent repeated across many
// attempts, or a majority of attempts missing both behavioral flags.
type botSignaturePattern struct {
	minTimedAttempts int
	varianceMs       float64
	sameUserAgentMin int
}

func (p *botSignaturePattern) Name() string { return PatternBotSignature }

func (p *botSignaturePattern) Detect(_ context.Context, attempts []abuse.AttemptRecord) abuse.PatternVerdict {
	verdict := abuse.PatternVerdict{Pattern: p.Name(), Severity: abuse.SeverityHigh}

	if len(attempts) >= p.minTimedAttempts {
		if stddev, ok := timingStdDevMs(attempts); ok && stddev < p.varianceMs {
			verdict.Detected = true
			verdict.Evidence = map[string]interface{}{
				"signal":         "uniform_timing",
				"stddev_ms":      stddev,
				"threshold_ms":   p.varianceMs,
				"timed_attempts": len(attempts),
			}
			return verdict
		}
	}

	uaCounts := make(map[string]int)
	for i := range attempts {
		if ua := attempts[i].UserAgent; ua != "" {
			uaCounts[ua]++
		}
	}
	for ua, count := range uaCounts {
		if count >= p.sameUserAgentMin {
			verdict.Detected = true
			verdict.Evidence = map[string]interface{}{
				"signal":     "repeated_user_agent",
				"user_agent": ua,
				"count":      count,
			}
			return verdict
		}
	}

	if len(attempts) >= p.minTimedAttempts {
		noBehavior := 0
		for i := range attempts {
			if !attempts[i].Behavioral.HasMouseMovement && !attempts[i].Behavioral.HasKeyboardVariation {
				noBehavior++
			}
		}
		if noBehavior*2 > len(attempts) {
			verdict.Detected = true
			verdict.Evidence = map[string]interface{}{
				"signal":           "missing_behavioral_flags",
				"without_behavior": noBehavior,
				"total":            len(attempts),
			}
		}
	}
	return verdict
}

// credentialStuffingPattern triggers when many attempts share a password
// length but target distinct identities, consistent with replaying a stolen
// credential list.
type credentialStuffingPattern struct {
	minEmails int
}

func (p *credentialStuffingPattern) Name() string { return PatternCredentialStuffing }

func (p *credentialStuffingPattern) Detect(_ context.Context, attempts []abuse.AttemptRecord) abuse.PatternVerdict {
	verdict := abuse.PatternVerdict{Pattern: p.Name(), Severity: abuse.SeverityCritical}

	targetsPerLength := make(map[int]map[string]bool)
	for i := range attempts {
		length := attempts[i].Behavioral.PasswordLength
		if length <= 0 || attempts[i].EmailHash == "" {
			continue
		}
		if targetsPerLength[length] == nil {
			targetsPerLength[length] = make(map[string]bool)
		}
		targetsPerLength[length][attempts[i].EmailHash] = true
	}

	for length, targets := range targetsPerLength {
		if len(targets) >= p.minEmails {
			verdict.Detected = true
			verdict.Evidence = map[string]interface{}{
				"password_length": length,
				"distinct_emails": len(targets),
				"threshold":       p.minEmails,
			}
			break
		}
	}
	return verdict
}

// emailEnumerationPattern triggers when a large run of sequentially
// constructed addresses is probed in one window.
type emailEnumerationPattern struct {
	minEmails int
}

func (p *emailEnumerationPattern) Name() string { return PatternEmailEnumeration }

func (p *emailEnumerationPattern) Detect(_ context.Context, attempts []abuse.AttemptRecord) abuse.PatternVerdict {
	verdict := abuse.PatternVerdict{Pattern: p.Name(), Severity: abuse.SeverityMedium}

	prefix, run := longestSequentialRun(attempts)
	if run >= p.minEmails {
		verdict.Detected = true
		verdict.Severity = abuse.SeverityHigh
		verdict.Evidence = map[string]interface{}{
			"prefix":              prefix,
			"distinct_sequential": run,
			"threshold":           p.minEmails,
		}
	}
	return verdict
}

// commonWeakWords is the built-in word list for the dictionary detector.
// Deliberately short: it only needs to catch list-driven probing, not grade
// password strength.
var commonWeakWords = map[string]bool{
	"password": true, "passw0rd": true, "123456": true, "12345678": true,
	"qwerty": true, "admin": true, "administrator": true, "root": true,
	"test": true, "guest": true, "welcome": true, "letmein": true,
	"monkey": true, "dragon": true, "iloveyou": true, "login": true,
	"abc123": true, "master": true, "shadow": true, "superman": true,
}

// dictionaryAttackPattern triggers when submitted identifiers match common
// word-list entries across multiple attempts.
type dictionaryAttackPattern struct {
	minMatches int
}

func (p *dictionaryAttackPattern) Name() string { return PatternDictionaryAttack }

func (p *dictionaryAttackPattern) Detect(_ context.Context, attempts []abuse.AttemptRecord) abuse.PatternVerdict {
	verdict := abuse.PatternVerdict{Pattern: p.Name(), Severity: abuse.SeverityMedium}

	matches := 0
	for i := range attempts {
		candidates := []string{
			strings.ToLower(attempts[i].Behavioral.UsernamePattern),
			localPart(attempts[i].Email),
		}
		for _, candidate := range candidates {
			if candidate == "" {
				continue
			}
			base, _, _ := splitTrailingNumber(candidate)
			if commonWeakWords[candidate] || commonWeakWords[base] {
				matches++
				break
			}
		}
	}

	if matches >= p.minMatches {
		verdict.Detected = true
		verdict.Evidence = map[string]interface{}{
			"matches":   matches,
			"threshold": p.minMatches,
		}
	}
	return verdict
}

// Helpers shared by the sequence-sensitive detectors.

// localPart returns the lowercase local part of an email, or the whole
// value when it is not an address.
func localPart(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if at := strings.IndexByte(email, '@'); at >= 0 {
		return email[:at]
	}
	return email
}

// splitTrailingNumber splits a value into its prefix and trailing numeric
// token. "user17b" has no trailing number; "user17" yields ("user", 17).
func splitTrailingNumber(value string) (prefix string, n int, ok bool) {
	end := len(value)
	start := end
	for start > 0 && value[start-1] >= '0' && value[start-1] <= '9' {
		start--
	}
	if start == end {
		return value, 0, false
	}
	parsed, err := strconv.Atoi(value[start:end])
	if err != nil {
		return value, 0, false
	}
	return value[:start], parsed, true
}

// longestSequentialRun groups attempt identities by prefix and finds the
// longest consecutive or near-consecutive (gap of at most 2) run of
// trailing numeric tokens across distinct addresses.
func longestSequentialRun(attempts []abuse.AttemptRecord) (string, int) {
	numbersByPrefix := make(map[string]map[int]bool)
	for i := range attempts {
		local := localPart(attempts[i].Email)
		if local == "" {
			local = strings.ToLower(attempts[i].Behavioral.UsernamePattern)
		}
		prefix, n, ok := splitTrailingNumber(local)
		if !ok {
			continue
		}
		if numbersByPrefix[prefix] == nil {
			numbersByPrefix[prefix] = make(map[int]bool)
		}
		numbersByPrefix[prefix][n] = true
	}

	bestPrefix := ""
	bestRun := 0
	for prefix, set := range numbersByPrefix {
		numbers := make([]int, 0, len(set))
		for n := range set {
			numbers = append(numbers, n)
		}
		sort.Ints(numbers)

		run := 1
		for i := 1; i < len(numbers); i++ {
			if numbers[i]-numbers[i-1] <= 2 {
				run++
			} else {
				run = 1
			}
			if run > bestRun {
				bestRun = run
				bestPrefix = prefix
			}
		}
		if len(numbers) == 1 && bestRun < 1 {
			bestRun = 1
			bestPrefix = prefix
		}
	}
	return bestPrefix, bestRun
}

// timingStdDevMs computes the standard deviation of inter-attempt intervals
// in milliseconds. Requires at least three attempts to be meaningful.
func timingStdDevMs(attempts []abuse.AttemptRecord) (float64, bool) {
	if len(attempts) < 3 {
		return 0, false
	}

	sorted := make([]abuse.AttemptRecord, len(attempts))
	copy(sorted, attempts)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	intervals := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		intervals = append(intervals, float64(sorted[i].Timestamp.Sub(sorted[i-1].Timestamp).Milliseconds()))
	}

	var sum float64
	for _, v := range intervals {
		sum += v
	}
	mean := sum / float64(len(intervals))

	var variance float64
	for _, v := range intervals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(intervals))

	return math.Sqrt(variance), true
}
