package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	SweepReasonDeadlineExceeded     = "deadline_exceeded"
	SweepReasonDBLockTimeout        = "db_lock_timeout"
	SweepReasonSerializationFailure = "serialization_failure"
	SweepReasonUniqueViolation      = "unique_violation"
	SweepReasonUnknown              = "unknown"

	SweepBatchDeferredReasonSkipLockedEmpty = "skip_locked_empty"
)

// SweeperMetrics captures reservation sweeper health signals.
type SweeperMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	batchDeferred  *prometheus.CounterVec
	runLoopLag     prometheus.Observer
	dbLockWait     *prometheus.HistogramVec
}

var (
	sweeperMetricsOnce sync.Once
	sweeperMetrics     *SweeperMetrics
)

// Sweeper returns the singleton sweeper metrics registry.
func Sweeper() *SweeperMetrics {
	return SweeperWithConfig(Config{})
}

// SweeperWithConfig returns the singleton sweeper metrics registry using config labels.
func SweeperWithConfig(cfg Config) *SweeperMetrics {
	sweeperMetricsOnce.Do(func() {
		sweeperMetrics = newSweeperMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return sweeperMetrics
}

// ResetSweeperMetricsForTest resets the sweeper metrics singleton for tests.
func ResetSweeperMetricsForTest() {
	sweeperMetricsOnce = sync.Once{}
	sweeperMetrics = nil
}

func newSweeperMetrics(registerer prometheus.Registerer, cfg Config) *SweeperMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "tally"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tally_sweeper_job_runs_total",
		Help:        "Sweeper job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})

	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "tally_sweeper_job_duration_seconds",
		Help:        "Sweeper job duration by name.",
		ConstLabels: constLabels,
		Buckets:     prometheus.DefBuckets,
	}, []string{"job"})

	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tally_sweeper_job_errors_total",
		Help:        "Sweeper job errors by name and reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})

	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tally_sweeper_batch_processed_total",
		Help:        "Rows handled per sweeper batch by job and resource.",
		ConstLabels: constLabels,
	}, []string{"job", "resource"})

	batchDeferred := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tally_sweeper_batch_deferred_total",
		Help:        "Sweeper batches deferred by job and reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})

	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "tally_sweeper_run_loop_lag_seconds",
		Help:        "Delay between scheduled and actual sweeper runs.",
		ConstLabels: constLabels,
		Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})

	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "tally_sweeper_db_lock_wait_seconds",
		Help:        "Time spent waiting for row locks by resource.",
		ConstLabels: constLabels,
		Buckets:     []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"resource"})

	for _, collector := range []prometheus.Collector{
		jobRuns, jobDuration, jobErrors, batchProcessed, batchDeferred, runLoopLag, dbLockWait,
	} {
		if err := registerer.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}

	return &SweeperMetrics{
		jobRuns:        jobRuns,
		jobDuration:    jobDuration,
		jobErrors:      jobErrors,
		batchProcessed: batchProcessed,
		batchDeferred:  batchDeferred,
		runLoopLag:     runLoopLag,
		dbLockWait:     dbLockWait,
	}
}

// IncJobRun records a sweeper job invocation.
func (m *SweeperMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records how long a sweeper job took.
func (m *SweeperMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobError records a failed sweeper job with a classified reason.
func (m *SweeperMetrics) IncJobError(job string, err error) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySweepReason(err)).Inc()
}

// AddBatchProcessed records rows handled by one sweep batch.
func (m *SweeperMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

// IncBatchDeferred records a sweep batch that yielded no claimable rows.
func (m *SweeperMetrics) IncBatchDeferred(job, reason string) {
	if m == nil {
		return
	}
	m.batchDeferred.WithLabelValues(job, reason).Inc()
}

// ObserveRunLoopLag records scheduling lag of the sweep loop.
func (m *SweeperMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	m.runLoopLag.Observe(duration.Seconds())
}

// ObserveDBLockWait records time spent acquiring row locks.
func (m *SweeperMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

// ClassifySweepReason maps a sweep error to a low-cardinality reason label.
func ClassifySweepReason(err error) string {
	switch {
	case err == nil:
		return SweepReasonUnknown
	case errors.Is(err, context.DeadlineExceeded):
		return SweepReasonDeadlineExceeded
	case hasPGCode(err, "55P03"):
		return SweepReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return SweepReasonSerializationFailure
	case hasPGCode(err, "23505"), errors.Is(err, gorm.ErrDuplicatedKey):
		return SweepReasonUniqueViolation
	default:
		return SweepReasonUnknown
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
