package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var namespace = "serialkv"

var (
	// LatestSerial is the latest committed or applied serial of this node.
	LatestSerial = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "changelog",
		Name:      "latest_serial",
		Help:      "Latest serial visible in the local changelog",
	})

	// LongPollWaiters is the number of changelog requests blocked waiting
	// for a serial.
	LongPollWaiters = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "changelog",
		Name:      "long_poll_waiters",
		Help:      "Changelog requests currently waiting for a future serial",
	})

	// ReplicaFailuresTotal counts failed replica iterations partitioned by
	// reason ("fetch" or "decode").
	ReplicaFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "replica",
		Name:      "failures_total",
		Help:      "Failed changelog fetches partitioned by reason",
	}, []string{"reason"})

	// ReplicaAppliedTotal counts entries applied from the master.
	ReplicaAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "replica",
		Name:      "applied_total",
		Help:      "Changelog entries applied from the master",
	})
)
