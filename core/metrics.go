package core

// Ambient observability stack (SPEC_FULL.md §1): internal operational
// counters, distinct from the user-facing "progress reporting" that
// spec.md §1 places out of scope.

import "github.com/prometheus/client_golang/prometheus"

// VerifierMetrics counts sweep outcomes for one verifier instance. A
// nil *VerifierMetrics is valid and simply does not record anything,
// so tests and simple embedders can skip registration.
type VerifierMetrics struct {
	entriesVerified prometheus.Counter
	entriesRecovered *prometheus.CounterVec
	sweeps          prometheus.Counter
}

// NewVerifierMetrics registers counters on reg (pass prometheus.NewRegistry()
// for an isolated test registry, or prometheus.DefaultRegisterer for a
// process-wide one).
func NewVerifierMetrics(reg prometheus.Registerer) *VerifierMetrics {
	m := &VerifierMetrics{
		entriesVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcore_verifier_entries_verified_total",
			Help: "Trustchain entries promoted from unverified to verified.",
		}),
		entriesRecovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tcore_verifier_entries_recovered_total",
			Help: "Trustchain entries rejected and skipped, by reason.",
		}, []string{"reason"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcore_verifier_sweeps_total",
			Help: "Ordering sweeps run over a verification batch.",
		}),
	}
	reg.MustRegister(m.entriesVerified, m.entriesRecovered, m.sweeps)
	return m
}

func (m *VerifierMetrics) recordVerified() {
	if m == nil {
		return
	}
	m.entriesVerified.Inc()
}

func (m *VerifierMetrics) recordRecovered(reason InvalidBlockReason) {
	if m == nil {
		return
	}
	m.entriesRecovered.WithLabelValues(string(reason)).Inc()
}

func (m *VerifierMetrics) recordSweep() {
	if m == nil {
		return
	}
	m.sweeps.Inc()
}

// KeySafeMetrics counts key-safe persistence operations (§4.H).
type KeySafeMetrics struct {
	writes prometheus.Counter
	resets prometheus.Counter
}

func NewKeySafeMetrics(reg prometheus.Registerer) *KeySafeMetrics {
	m := &KeySafeMetrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcore_keysafe_writes_total",
			Help: "Key safe records persisted.",
		}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcore_keysafe_resets_total",
			Help: "Key safe records recreated fresh because the stored record was absent, unreadable, or held no device id.",
		}),
	}
	reg.MustRegister(m.writes, m.resets)
	return m
}

func (m *KeySafeMetrics) recordWrite() {
	if m == nil {
		return
	}
	m.writes.Inc()
}

func (m *KeySafeMetrics) recordReset() {
	if m == nil {
		return
	}
	m.resets.Inc()
}
