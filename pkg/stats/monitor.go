// Copyright 2024 The referd authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stats

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sipcore/referd/pkg/config"
)

// Durations are in seconds
var (
	// durBucketsOp lists histogram buckets for short operations like a single
	// transfer dispatch.
	durBucketsOp = []float64{
		0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 3 * 60,
	}
	// durBucketsSub lists histogram buckets for subscription lifetimes.
	durBucketsSub = []float64{
		1, 10, 60, 10 * 60, 30 * 60, 3600, 6 * 3600,
	}
)

type TransferKind string

const (
	TransferBlind    = TransferKind("blind")
	TransferAttended = TransferKind("attended")
	TransferReplaces = TransferKind("replaces")
)

type Monitor struct {
	nodeID string

	referReqRaw     prometheus.Counter
	referReq        *prometheus.CounterVec
	referErr        *prometheus.CounterVec
	transfers       *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	subsActive      prometheus.Gauge
	durTransfer     *prometheus.HistogramVec
	durSubscription prometheus.Histogram

	metrics  []prometheus.Collector
	started  core.Fuse
	shutdown core.Fuse
}

func NewMonitor(conf *config.Config) (*Monitor, error) {
	return &Monitor{
		nodeID: conf.NodeID,
	}, nil
}

func mustRegister[T prometheus.Collector](m *Monitor, c T) T {
	err := prometheus.Register(c)
	if err != nil {
		var e prometheus.AlreadyRegisteredError
		if errors.As(err, &e) {
			return e.ExistingCollector.(T)
		} else {
			panic(err)
		}
	}
	m.metrics = append(m.metrics, c)
	return c
}

func (m *Monitor) Start(conf *config.Config) error {
	prometheus.Unregister(collectors.NewGoCollector())
	mustRegister(m, collectors.NewGoCollector(collectors.WithGoCollectorRuntimeMetrics(collectors.MetricsAll)))

	m.referReqRaw = mustRegister(m, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "referd",
		Subsystem:   "sip",
		Name:        "refer_requests_raw",
		Help:        "Number of unvalidated SIP REFER requests received",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
	}))

	m.referReq = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "referd",
		Subsystem:   "sip",
		Name:        "refer_requests",
		Help:        "Number of accepted SIP REFER requests",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
	}, []string{"kind"}))

	m.referErr = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "referd",
		Subsystem:   "sip",
		Name:        "refer_error",
		Help:        "Number of rejected SIP REFER requests",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
	}, []string{"reason"}))

	m.transfers = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "referd",
		Subsystem:   "sip",
		Name:        "transfers",
		Help:        "Number of completed transfers by kind and outcome",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
	}, []string{"kind", "outcome"}))

	m.notifications = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "referd",
		Subsystem:   "sip",
		Name:        "notifications",
		Help:        "Number of transfer progress NOTIFY requests sent",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
	}, []string{"state"}))

	m.subsActive = mustRegister(m, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "referd",
		Subsystem:   "sip",
		Name:        "subscriptions_active",
		Help:        "Number of currently active transfer subscriptions",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
	}))

	m.durTransfer = mustRegister(m, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   "referd",
		Subsystem:   "sip",
		Name:        "dur_transfer_sec",
		Help:        "Transfer duration (from REFER to terminal notification)",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
		Buckets:     durBucketsOp,
	}, []string{"kind"}))

	m.durSubscription = mustRegister(m, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   "referd",
		Subsystem:   "sip",
		Name:        "dur_subscription_sec",
		Help:        "Transfer subscription lifetime",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
		Buckets:     durBucketsSub,
	}))

	m.started.Break()

	return nil
}

func (m *Monitor) Shutdown() {
	m.shutdown.Break()
}

func (m *Monitor) Stop() {
	for _, c := range m.metrics {
		prometheus.Unregister(c)
	}
	m.metrics = nil
}

func (m *Monitor) CanAccept() bool {
	return m.started.IsBroken() && !m.shutdown.IsBroken()
}

func (m *Monitor) ReferReqRaw() {
	m.referReqRaw.Inc()
}

func (m *Monitor) ReferReq(kind TransferKind) {
	m.referReq.WithLabelValues(string(kind)).Inc()
}

func (m *Monitor) ReferError(reason string) {
	m.referErr.WithLabelValues(reason).Inc()
}

func (m *Monitor) TransferComplete(kind TransferKind, outcome string) {
	m.transfers.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Monitor) NotifySent(state string) {
	m.notifications.WithLabelValues(state).Inc()
}

func (m *Monitor) NewTransfer(kind TransferKind) *TransferMonitor {
	t := &TransferMonitor{m: m, kind: kind}
	if m.durTransfer != nil {
		t.transferDur = prometheus.NewTimer(m.durTransfer.WithLabelValues(string(kind))).ObserveDuration
	}
	return t
}

// TransferMonitor tracks one transfer subscription from REFER acceptance to
// its terminal notification.
type TransferMonitor struct {
	m      *Monitor
	kind   TransferKind
	active atomic.Bool
	done   atomic.Bool

	transferDur func() time.Duration
	subDur      func() time.Duration
}

func (t *TransferMonitor) SubscriptionStart() {
	if !t.active.CompareAndSwap(false, true) {
		return
	}
	t.m.subsActive.Inc()
	if t.m.durSubscription != nil {
		t.subDur = prometheus.NewTimer(t.m.durSubscription).ObserveDuration
	}
}

func (t *TransferMonitor) SubscriptionEnd() {
	if !t.active.CompareAndSwap(true, false) {
		return
	}
	t.m.subsActive.Dec()
	if t.subDur != nil {
		t.subDur()
	}
}

func (t *TransferMonitor) Complete(outcome string) {
	if !t.done.CompareAndSwap(false, true) {
		return
	}
	t.m.transfers.WithLabelValues(string(t.kind), outcome).Inc()
	if t.transferDur != nil {
		t.transferDur()
	}
}
