package abuse

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/czhaoca/pathfinder-sub012/internal/domain/errors"
)

// NewAttemptRecord builds a validated attempt record. The email is hashed
// before storage; the plain address is kept on the record only for the
// in-memory detection window, never written durably.
func NewAttemptRecord(sourceIP, email, action string, outcome Outcome) (*AttemptRecord, error) {
	sourceIP = strings.TrimSpace(sourceIP)
	if sourceIP == "" {
		return nil, errors.NewValidationError("INVALID_SOURCE_IP", "source IP is required")
	}
	if net.ParseIP(sourceIP) == nil {
		return nil, errors.NewValidationError("INVALID_SOURCE_IP", "source IP is not a valid address")
	}
	if action == "" {
		return nil, errors.NewValidationError("INVALID_ACTION", "action is required")
	}
	if outcome != OutcomeSuccess && outcome != OutcomeFailure {
		return nil, errors.NewValidationError("INVALID_OUTCOME", "outcome must be success or failure")
	}

	return &AttemptRecord{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		SourceIP:  sourceIP,
		Email:     strings.ToLower(strings.TrimSpace(email)),
		EmailHash: HashEmail(email),
		Action:    action,
		Outcome:   outcome,
	}, nil
}

// HashEmail returns a stable hex digest for an email address, used as the
// durable identity key so raw addresses never reach the audit store.
func HashEmail(email string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// SubnetOf derives the enclosing /24 (IPv4) or /64 (IPv6) for an address,
// used when a detection escalates from an IP block to a subnet block.
func SubnetOf(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", errors.NewValidationError("INVALID_IP", "cannot derive subnet from invalid IP")
	}
	if v4 := parsed.To4(); v4 != nil {
		mask := net.CIDRMask(24, 32)
		return (&net.IPNet{IP: v4.Mask(mask), Mask: mask}).String(), nil
	}
	mask := net.CIDRMask(64, 128)
	return (&net.IPNet{IP: parsed.Mask(mask), Mask: mask}).String(), nil
}

// CIDRContains reports whether ip falls inside the subnet given in CIDR
// notation. Malformed inputs never match.
func CIDRContains(cidr, ip string) bool {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return network.Contains(parsed)
}
