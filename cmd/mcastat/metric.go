package main

import (
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/psxtools/go-memcard/pkg/mca"
)

type metricCollector struct {
	m []prometheus.Metric
}

func (mc *metricCollector) Collect(c chan<- prometheus.Metric) {
	for _, m := range mc.m {
		c <- m
	}
}

func (mc *metricCollector) Describe(c chan<- *prometheus.Desc) {
}

func outputMetrics(state AdapterState) {
	var (
		mAdapterPresent = prometheus.NewDesc(
			"memcard_adapter_present",
			"Boolean describing whether a memory card adapter was found",
			nil, nil,
		)
		mCardInfo = prometheus.NewDesc(
			"memcard_info",
			"Info metric regarding the inserted card",
			[]string{"type"}, nil,
		)
		mCardSize = prometheus.NewDesc(
			"memcard_size_bytes",
			"Capacity of the inserted card",
			nil, nil,
		)
		mCardBlockSize = prometheus.NewDesc(
			"memcard_block_size_bytes",
			"Native transfer unit of the inserted card",
			nil, nil,
		)
		mAuthenticated = prometheus.NewDesc(
			"memcard_authenticated",
			"Boolean describing whether the adapter session is authenticated",
			nil, nil,
		)
	)
	mc := &metricCollector{}
	present := float64(0)
	if state.Present {
		present = 1
	}
	mc.m = append(mc.m, prometheus.MustNewConstMetric(mAdapterPresent, prometheus.GaugeValue, present))

	// This is how far we can make it without an adapter
	if state.Present {
		inserted := float64(0)
		if state.CardType != mca.CardNone {
			inserted = 1
		}
		mc.m = append(mc.m,
			prometheus.MustNewConstMetric(mCardInfo, prometheus.GaugeValue, inserted, state.CardType.String()))
		if state.CardType != mca.CardNone {
			mc.m = append(mc.m,
				prometheus.MustNewConstMetric(mCardSize, prometheus.GaugeValue, float64(state.Size)))
			mc.m = append(mc.m,
				prometheus.MustNewConstMetric(mCardBlockSize, prometheus.GaugeValue, float64(state.BlockSize)))
		}
		if state.CardType == mca.CardPS2 {
			auth := float64(0)
			if state.Authenticated {
				auth = 1
			}
			// Metric only visible for cards that use the handshake
			mc.m = append(mc.m, prometheus.MustNewConstMetric(mAuthenticated, prometheus.GaugeValue, auth))
		}
	}

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(mc)

	mfs, err := reg.Gather()
	if err != nil {
		log.Fatalf("Failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
			log.Fatalf("Failed to serialize metrics: %v", err)
		}
	}
}
