package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deploywatch",
		Name:      "monitor_jobs_total",
		Help:      "Monitor jobs by final result.",
	}, []string{"result"})

	instancesTerminated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "deploywatch",
		Name:      "instances_terminated_total",
		Help:      "Instances terminated by the failure finalizer.",
	})
)
