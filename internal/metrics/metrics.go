package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "warden"

// Options configures collector registration
type Options struct {
	Registerer prometheus.Registerer
	Namespace  string
}

func (o Options) namespace() string {
	if o.Namespace == "" {
		return namespace
	}
	return o.Namespace
}

func (o Options) registerer() prometheus.Registerer {
	if o.Registerer == nil {
		return prometheus.DefaultRegisterer
	}
	return o.Registerer
}

// register adds c to reg. If an identical collector is already registered
// the existing one is returned so constructors can run more than once.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
			return c, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
		}
		return c, fmt.Errorf("register collector: %w", err)
	}
	return c, nil
}

// AuthMetrics counts authentication outcomes. All methods are safe on a nil
// receiver so metrics can be left out of tests.
type AuthMetrics struct {
	Logins       *prometheus.CounterVec
	Refreshes    *prometheus.CounterVec
	Lockouts     prometheus.Counter
	OriginBlocks prometheus.Counter
	FormTokens   *prometheus.CounterVec
	Revocations  *prometheus.CounterVec
}

// NewAuthMetrics constructs and registers the authentication collectors
func NewAuthMetrics(opts Options) (*AuthMetrics, error) {
	ns := opts.namespace()
	reg := opts.registerer()

	logins, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "auth",
		Name:      "logins_total",
		Help:      "Login attempts partitioned by outcome.",
	}, []string{"outcome"}))
	if err != nil {
		return nil, err
	}

	refreshes, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "auth",
		Name:      "refreshes_total",
		Help:      "Refresh credential rotations partitioned by outcome.",
	}, []string{"outcome"}))
	if err != nil {
		return nil, err
	}

	lockouts, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "auth",
		Name:      "account_lockouts_total",
		Help:      "Accounts moved to the locked state by failed logins.",
	}))
	if err != nil {
		return nil, err
	}

	originBlocks, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "auth",
		Name:      "origin_blocks_total",
		Help:      "Origins added to the temporary block-list.",
	}))
	if err != nil {
		return nil, err
	}

	formTokens, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "auth",
		Name:      "form_token_checks_total",
		Help:      "One-time form token submissions partitioned by result.",
	}, []string{"result"}))
	if err != nil {
		return nil, err
	}

	revocations, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "auth",
		Name:      "session_revocations_total",
		Help:      "Sessions torn down partitioned by reason.",
	}, []string{"reason"}))
	if err != nil {
		return nil, err
	}

	return &AuthMetrics{
		Logins:       logins,
		Refreshes:    refreshes,
		Lockouts:     lockouts,
		OriginBlocks: originBlocks,
		FormTokens:   formTokens,
		Revocations:  revocations,
	}, nil
}

func (m *AuthMetrics) LoginOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Logins.WithLabelValues(outcome).Inc()
}

func (m *AuthMetrics) RefreshOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(outcome).Inc()
}

func (m *AuthMetrics) AccountLocked() {
	if m == nil {
		return
	}
	m.Lockouts.Inc()
}

func (m *AuthMetrics) OriginBlocked() {
	if m == nil {
		return
	}
	m.OriginBlocks.Inc()
}

func (m *AuthMetrics) FormTokenChecked(valid bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if valid {
		result = "accepted"
	}
	m.FormTokens.WithLabelValues(result).Inc()
}

func (m *AuthMetrics) SessionRevoked(reason string) {
	if m == nil {
		return
	}
	m.Revocations.WithLabelValues(reason).Inc()
}
