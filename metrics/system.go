package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSampler periodically measures this process's CPU and memory usage
// and publishes the readings as gauges. One sampler serves the whole
// process; components read the gauges instead of measuring themselves.
type SystemSampler struct {
	proc *process.Process
	log  zerolog.Logger

	cpuPercent prometheus.Gauge
	memBytes   prometheus.Gauge
	goroutines prometheus.Gauge

	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSystemSampler registers the system gauges on the registry. Interval
// defaults to 10 seconds.
func NewSystemSampler(registry *prometheus.Registry, interval time.Duration, log zerolog.Logger) (*SystemSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}

	s := &SystemSampler{
		proc:     proc,
		log:      log.With().Str("component", "system_sampler").Logger(),
		interval: interval,
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_cpu_usage_percent",
			Help: "Process CPU usage percentage",
		}),
		memBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_memory_rss_bytes",
			Help: "Process resident memory in bytes",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_goroutines",
			Help: "Current goroutine count",
		}),
	}
	registry.MustRegister(s.cpuPercent, s.memBytes, s.goroutines)
	return s, nil
}

// Start launches the sampling loop.
func (s *SystemSampler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		s.sample()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sample()
			}
		}
	}()
}

func (s *SystemSampler) sample() {
	if cpu, err := s.proc.CPUPercent(); err == nil {
		s.cpuPercent.Set(cpu)
	} else {
		s.log.Debug().Err(err).Msg("CPU sample failed")
	}
	if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
		s.memBytes.Set(float64(mem.RSS))
	}
	s.goroutines.Set(float64(runtime.NumGoroutine()))
}

// Stop halts sampling and waits for the loop to exit. Idempotent.
func (s *SystemSampler) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}
