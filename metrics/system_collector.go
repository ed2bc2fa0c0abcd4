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

package metrics

import (
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/dancing-ui/aigateway/logging"
)

const DefaultCollectIntervalMs uint32 = 1000

var (
	processCPU = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "process_cpu_percent",
		Help:      "CPU usage of the gateway process in percent.",
	})

	processMemory = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "process_memory_bytes",
		Help:      "Resident memory of the gateway process in bytes.",
	})
)

// SystemCollector periodically samples process CPU and memory into the
// exported gauges. It owns its ticker and stops cleanly on Stop.
type SystemCollector struct {
	proc     *process.Process
	interval time.Duration
	ticker   *time.Ticker
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewSystemCollector(intervalMs uint32) (*SystemCollector, error) {
	if intervalMs == 0 {
		intervalMs = DefaultCollectIntervalMs
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &SystemCollector{
		proc:     proc,
		interval: time.Duration(intervalMs) * time.Millisecond,
		stopChan: make(chan struct{}),
	}, nil
}

// Start launches the sampling loop.
func (c *SystemCollector) Start() {
	if c == nil {
		return
	}
	c.ticker = time.NewTicker(c.interval)
	go func() {
		for {
			select {
			case <-c.ticker.C:
				c.collect()
			case <-c.stopChan:
				c.ticker.Stop()
				return
			}
		}
	}()
}

// Stop terminates the sampling loop. Safe to call more than once.
func (c *SystemCollector) Stop() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
}

func (c *SystemCollector) collect() {
	cpuPercent, err := c.proc.Percent(0)
	if err != nil {
		logging.Warn("failed to sample process cpu", "error", err.Error())
	} else {
		processCPU.Set(cpuPercent)
	}

	memInfo, err := c.proc.MemoryInfo()
	if err != nil {
		logging.Warn("failed to sample process memory", "error", err.Error())
	} else if memInfo != nil {
		processMemory.Set(float64(memInfo.RSS))
	}
}
