package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/czhaoca/pathfinder-sub012/internal/domain/abuse"
	"github.com/czhaoca/pathfinder-sub012/internal/infrastructure/config"
	"github.com/czhaoca/pathfinder-sub012/internal/metrics"
	"github.com/czhaoca/pathfinder-sub012/internal/service/detection"
)

// severePatterns name the detections that warrant an automatic block in
// addition to an alert.
var severePatterns = map[string]bool{
	detection.PatternDistributedAttack:  true,
	detection.PatternBotSignature:       true,
	detection.PatternCredentialStuffing: true,
}

var recommendations = map[string]string{
	detection.PatternRapidSuccession:    "rate limit tightened, monitor for escalation",
	detection.PatternSequential:         "review account creation from this source",
	detection.PatternDistributedAttack:  "source blocked, review targeted accounts for compromise",
	detection.PatternBotSignature:       "source blocked, consider challenge escalation",
	detection.PatternCredentialStuffing: "source blocked, force password reset on targeted accounts",
	detection.PatternEmailEnumeration:   "review directory-probing activity from this source",
	detection.PatternDictionaryAttack:   "monitor, consider lockout on targeted accounts",
}

// Blocker is the subset of the reputation service the orchestrator drives
type Blocker interface {
	Block(ctx context.Context, ip, reason string, duration time.Duration) error
	BlockSubnet(ctx context.Context, cidr, reason string, duration time.Duration) error
}

// Orchestrator applies the response policy for detected patterns: block the
// offender for severe detections, and alert on everything, throttled per IP.
type Orchestrator struct {
	blocker   Blocker
	notifiers []Notifier
	blocking  config.BlockingConfig
	alerting  config.AlertingConfig
	metrics   *metrics.Registry
	logger    *zap.Logger

	mu       sync.Mutex
	limiters map[string]*ipThrottle
}

// ipThrottle pairs a per-IP limiter with the time it last saw traffic so
// Sweep can drop idle entries.
type ipThrottle struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewOrchestrator(
	blocker Blocker,
	notifiers []Notifier,
	blocking config.BlockingConfig,
	alerting config.AlertingConfig,
	m *metrics.Registry,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		blocker:   blocker,
		notifiers: notifiers,
		blocking:  blocking,
		alerting:  alerting,
		metrics:   m,
		logger:    logger,
		limiters:  make(map[string]*ipThrottle),
	}
}

// HandlePatterns reacts to one evaluation round for one IP. Blocking always
// happens for severe detections; alerting is throttled per IP so a
// sustained attack produces a bounded alert stream.
func (o *Orchestrator) HandlePatterns(ctx context.Context, ip string, verdicts []abuse.PatternVerdict) {
	var detected []abuse.PatternVerdict
	for _, v := range verdicts {
		if v.Detected {
			detected = append(detected, v)
		}
	}
	if len(detected) == 0 {
		return
	}

	severe := false
	names := make([]string, 0, len(detected))
	severities := make([]abuse.Severity, 0, len(detected))
	for _, v := range detected {
		names = append(names, v.Pattern)
		severities = append(severities, v.Severity)
		if severePatterns[v.Pattern] {
			severe = true
		}
	}

	if severe {
		o.applyBlocks(ctx, ip, names)
	}

	if !o.allowAlert(ip) {
		o.logger.Debug("alert suppressed by per-ip throttle", zap.String("ip", ip))
		return
	}

	event := &abuse.AlertEvent{
		ID:             uuid.New(),
		Severity:       abuse.WorstSeverity(severities),
		Type:           detected[0].Pattern,
		SourceIP:       ip,
		Patterns:       names,
		Recommendation: recommendations[detected[0].Pattern],
		Timestamp:      time.Now().UTC(),
	}

	for _, v := range detected {
		if v.Severity == event.Severity {
			event.Type = v.Pattern
			event.Recommendation = recommendations[v.Pattern]
			break
		}
	}

	o.dispatch(event)
}

func (o *Orchestrator) applyBlocks(ctx context.Context, ip string, patterns []string) {
	reason := "automated response: " + patterns[0]
	if err := o.blocker.Block(ctx, ip, reason, o.blocking.AttackIPBlock); err != nil {
		o.logger.Error("automated ip block failed",
			zap.String("ip", ip), zap.Error(err))
	}

	subnet, err := abuse.SubnetOf(ip)
	if err != nil {
		o.logger.Error("subnet derivation failed",
			zap.String("ip", ip), zap.Error(err))
		return
	}
	if err := o.blocker.BlockSubnet(ctx, subnet, reason, o.blocking.AttackSubnetBlock); err != nil {
		o.logger.Error("automated subnet block failed",
			zap.String("cidr", subnet), zap.Error(err))
	}
}

// allowAlert applies the per-IP token bucket. Each IP gets its own limiter
// created on first use.
func (o *Orchestrator) allowAlert(ip string) bool {
	o.mu.Lock()
	entry, ok := o.limiters[ip]
	if !ok {
		entry = &ipThrottle{
			limiter: rate.NewLimiter(rate.Every(o.alerting.PerIPAlertEvery), o.alerting.PerIPAlertBurst),
		}
		o.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	o.mu.Unlock()
	return entry.limiter.Allow()
}

// Sweep drops limiters for IPs that have been quiet long enough for their
// bucket to refill completely. A distributed attack from many spoofed
// sources would otherwise grow the map without bound.
func (o *Orchestrator) Sweep() {
	horizon := time.Duration(o.alerting.PerIPAlertBurst) * o.alerting.PerIPAlertEvery
	cutoff := time.Now().Add(-horizon)

	o.mu.Lock()
	defer o.mu.Unlock()
	for ip, entry := range o.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(o.limiters, ip)
		}
	}
}

// dispatch delivers the event to every notifier asynchronously. Delivery
// outcome is observable through logs and metrics only.
func (o *Orchestrator) dispatch(event *abuse.AlertEvent) {
	for _, n := range o.notifiers {
		go func(n Notifier) {
			ctx, cancel := context.WithTimeout(context.Background(), o.alerting.DeliveryTimeout)
			defer cancel()

			status := "ok"
			if err := n.Notify(ctx, event); err != nil {
				status = "error"
				o.logger.Error("alert delivery failed",
					zap.String("channel", n.Name()),
					zap.String("alert_id", event.ID.String()),
					zap.Error(err))
			}
			if o.metrics != nil {
				o.metrics.AlertsSent.WithLabelValues(n.Name(), status).Inc()
			}
		}(n)
	}
}
