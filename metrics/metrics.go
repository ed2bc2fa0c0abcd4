// Copyright 1999-2020 Alibaba Group Holding Ltd.
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

// Package metrics exposes the gateway's observability counters for
// external collection via Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aigateway"

var (
	RequestsChecked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_checked_total",
		Help:      "Admission checks performed, by limiter.",
	}, []string{"limiter"})

	RequestsAllowed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_allowed_total",
		Help:      "Admission checks that allowed the request, by limiter.",
	}, []string{"limiter"})

	RequestsDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_denied_total",
		Help:      "Admission checks that denied the request, by limiter.",
	}, []string{"limiter"})

	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_hits_total",
		Help:      "Cache hits, by cache.",
	}, []string{"cache"})

	CacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_misses_total",
		Help:      "Cache misses, by cache.",
	}, []string{"cache"})

	StoreTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_timeouts_total",
		Help:      "Distributed store calls that timed out or failed and degraded to local-only decisions.",
	})

	ProviderAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_attempts_total",
		Help:      "Upstream provider attempts, by provider.",
	}, []string{"provider"})

	ProviderFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_failures_total",
		Help:      "Upstream provider failures, by provider and class.",
	}, []string{"provider", "class"})

	StreamsInterrupted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "streams_interrupted_total",
		Help:      "Streams terminated by an upstream error before completion.",
	})
)

// Register registers every gateway collector with the given registerer.
// Call once at startup; prometheus.DefaultRegisterer is the usual target.
func Register(r prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		RequestsChecked,
		RequestsAllowed,
		RequestsDenied,
		CacheHits,
		CacheMisses,
		StoreTimeouts,
		ProviderAttempts,
		ProviderFailures,
		StreamsInterrupted,
		processCPU,
		processMemory,
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			if _, dup := err.(prometheus.AlreadyRegisteredError); dup {
				continue
			}
			return err
		}
	}
	return nil
}
