package cloudmetrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder accumulates the accounting counters pushed to the hosted
// control plane. Everything is best-effort; a nil or unset recorder
// swallows calls.
type Recorder interface {
	RecordCreditsCharged(accountID, operation string, amount int64)
	RecordPaymentSettled(accountID, provider string, credits int64)
	RecordReservationExpired(accountID string)
	UpdateReservedCredits(accountID string, amount int64)
}

type metrics struct {
	creditsCharged      *prometheus.CounterVec
	paymentsSettled     *prometheus.CounterVec
	reservationsExpired *prometheus.CounterVec
	reservedCredits     *prometheus.GaugeVec
}

func newMetrics(registry *prometheus.Registry) *metrics {
	m := &metrics{
		creditsCharged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_credits_charged_total",
			Help: "Credits charged by confirmed reservations.",
		}, []string{"account", "operation"}),
		paymentsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_payments_settled_total",
			Help: "Credits granted by settled provider payments.",
		}, []string{"account", "provider"}),
		reservationsExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_reservations_expired_total",
			Help: "Reservations returned to balance by the sweeper.",
		}, []string{"account"}),
		reservedCredits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tally_reserved_credits",
			Help: "Credits currently held by pending reservations.",
		}, []string{"account"}),
	}
	registry.MustRegister(m.creditsCharged, m.paymentsSettled, m.reservationsExpired, m.reservedCredits)
	return m
}

type recorder struct {
	metrics          *metrics
	defaultAccountID string
}

type noopRecorder struct{}

func (noopRecorder) RecordCreditsCharged(string, string, int64) {}
func (noopRecorder) RecordPaymentSettled(string, string, int64) {}
func (noopRecorder) RecordReservationExpired(string)            {}
func (noopRecorder) UpdateReservedCredits(string, int64)        {}

var (
	activeRecorder Recorder = noopRecorder{}
	recorderMu     sync.RWMutex
)

func setRecorder(rec Recorder) {
	if rec == nil {
		return
	}
	recorderMu.Lock()
	activeRecorder = rec
	recorderMu.Unlock()
}

func RecordCreditsCharged(accountID, operation string, amount int64) {
	recorderMu.RLock()
	rec := activeRecorder
	recorderMu.RUnlock()
	rec.RecordCreditsCharged(accountID, operation, amount)
}

func RecordPaymentSettled(accountID, provider string, credits int64) {
	recorderMu.RLock()
	rec := activeRecorder
	recorderMu.RUnlock()
	rec.RecordPaymentSettled(accountID, provider, credits)
}

func RecordReservationExpired(accountID string) {
	recorderMu.RLock()
	rec := activeRecorder
	recorderMu.RUnlock()
	rec.RecordReservationExpired(accountID)
}

func UpdateReservedCredits(accountID string, amount int64) {
	recorderMu.RLock()
	rec := activeRecorder
	recorderMu.RUnlock()
	rec.UpdateReservedCredits(accountID, amount)
}

func (r *recorder) RecordCreditsCharged(accountID, operation string, amount int64) {
	if r == nil || r.metrics == nil || amount <= 0 {
		return
	}
	r.metrics.creditsCharged.WithLabelValues(r.normalizeAccount(accountID), normalizeLabel(operation)).Add(float64(amount))
}

func (r *recorder) RecordPaymentSettled(accountID, provider string, credits int64) {
	if r == nil || r.metrics == nil || credits <= 0 {
		return
	}
	r.metrics.paymentsSettled.WithLabelValues(r.normalizeAccount(accountID), normalizeLabel(provider)).Add(float64(credits))
}

func (r *recorder) RecordReservationExpired(accountID string) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.reservationsExpired.WithLabelValues(r.normalizeAccount(accountID)).Inc()
}

func (r *recorder) UpdateReservedCredits(accountID string, amount int64) {
	if r == nil || r.metrics == nil {
		return
	}
	if amount < 0 {
		amount = 0
	}
	r.metrics.reservedCredits.WithLabelValues(r.normalizeAccount(accountID)).Set(float64(amount))
}

func (r *recorder) normalizeAccount(accountID string) string {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		accountID = strings.TrimSpace(r.defaultAccountID)
	}
	if accountID == "" {
		return "unknown"
	}
	return accountID
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
