// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quadrable

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	_ quadMetrics = (*mockMetrics)(nil)
	_ quadMetrics = (*metrics)(nil)
)

type quadMetrics interface {
	DatabaseNodeRead()
	DatabaseNodeWrite()
	HashCalculated()
}

type mockMetrics struct {
	nodeReadCount  int64
	nodeWriteCount int64
	hashCount      int64
}

func (m *mockMetrics) DatabaseNodeRead() {
	atomic.AddInt64(&m.nodeReadCount, 1)
}

func (m *mockMetrics) DatabaseNodeWrite() {
	atomic.AddInt64(&m.nodeWriteCount, 1)
}

func (m *mockMetrics) HashCalculated() {
	atomic.AddInt64(&m.hashCount, 1)
}

type metrics struct {
	ioNodeRead  prometheus.Counter
	ioNodeWrite prometheus.Counter
	hashCount   prometheus.Counter
}

func newMetrics(namespace string, reg prometheus.Registerer) (quadMetrics, error) {
	if reg == nil {
		return &mockMetrics{}, nil
	}
	m := metrics{
		ioNodeRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "io_node_read",
			Help:      "cumulative number of node records read",
		}),
		ioNodeWrite: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "io_node_write",
			Help:      "cumulative number of node records written",
		}),
		hashCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hashes_calculated",
			Help:      "cumulative number of node hashes calculated",
		}),
	}
	for _, c := range []prometheus.Collector{m.ioNodeRead, m.ioNodeWrite, m.hashCount} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (m *metrics) DatabaseNodeRead() {
	m.ioNodeRead.Inc()
}

func (m *metrics) DatabaseNodeWrite() {
	m.ioNodeWrite.Inc()
}

func (m *metrics) HashCalculated() {
	m.hashCount.Inc()
}
