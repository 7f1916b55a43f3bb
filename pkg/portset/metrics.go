package portset

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "portset"

var (
	operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "operations_total",
		Help:      "Set operations by set, operation and result.",
	}, []string{"set", "operation", "result"})

	sweepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sweeps_total",
		Help:      "Expiry sweeps run per set.",
	}, []string{"set"})

	reclaimedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "reclaimed_entries_total",
		Help:      "Expired entries cleared by sweeps per set.",
	}, []string{"set"})
)

// RegisterMetrics registers the set collectors with r. Collectors which are
// already registered are not an error.
func RegisterMetrics(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{operationsTotal, sweepsTotal, reclaimedTotal} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// DeleteMetrics drops the series of the set called name, once it was
// destroyed or renamed.
func DeleteMetrics(name string) {
	labels := prometheus.Labels{"set": name}
	operationsTotal.DeletePartialMatch(labels)
	sweepsTotal.DeletePartialMatch(labels)
	reclaimedTotal.DeletePartialMatch(labels)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrExist):
		return "exist"
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	}
	return "error"
}

func observe(s *Set, adt ADT, err error) {
	operationsTotal.WithLabelValues(s.Name(), adt.String(), resultLabel(err)).Inc()
}

func observeSweep(s *Set, reclaimed int) {
	name := s.Name()
	sweepsTotal.WithLabelValues(name).Inc()
	if reclaimed > 0 {
		reclaimedTotal.WithLabelValues(name).Add(float64(reclaimed))
	}
}
