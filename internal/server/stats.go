package server

import (
	"sync"
	"time"
)

// Metrics is the monitoring sink the core pushes into. The default
// implementation is the in-process statsHub below; an embedding process can
// substitute its own exporter via SetMetrics.
type Metrics interface {
	RecordTransfer(bytes uint64, success bool, durationMs int64)
	RecordConnection(success bool)
	RecordError()
	RecordTimeout()
	UpdateActive(count int)
}

// StatsPoint is an aggregated per-minute counter used for dashboards.
type StatsPoint struct {
	MinuteUnix int64  `json:"minute_unix"`
	Transfers  uint64 `json:"transfers"`
	Errors     uint64 `json:"errors"`
	Bytes      uint64 `json:"bytes"`
}

// StatsSnapshot is a JSON-friendly snapshot of collected stats.
type StatsSnapshot struct {
	StartedUnix    int64        `json:"started_unix"`
	NowUnix        int64        `json:"now_unix"`
	UptimeSec      int64        `json:"uptime_sec"`
	Transfers      uint64       `json:"transfers"`
	TransfersOK    uint64       `json:"transfers_ok"`
	TransferErrors uint64       `json:"transfer_errors"`
	Connections    uint64       `json:"connections"`
	ConnectionsOK  uint64       `json:"connections_ok"`
	Errors         uint64       `json:"errors"`
	Timeouts       uint64       `json:"timeouts"`
	Bytes          uint64       `json:"bytes"`
	AvgMs          uint64       `json:"avg_ms"`
	Active         int          `json:"active"`
	Recent         []StatsPoint `json:"recent"`
}

// statsHub keeps lightweight counters for the monitor endpoint.
//
// It is intentionally simple and dependency-free.
type statsHub struct {
	mu sync.Mutex

	started time.Time

	// totals
	transfers   uint64
	transfersOK uint64
	connections uint64
	connsOK     uint64
	errs        uint64
	timeouts    uint64
	bytes       uint64
	totalDurMs  uint64
	active      int

	// per-minute ring (last 60 minutes)
	curMin  int64
	idx     int
	minUnix [60]int64
	xfer    [60]uint64
	err     [60]uint64
	in      [60]uint64
}

func newStatsHub() *statsHub {
	now := time.Now()
	m := now.Unix() / 60
	h := &statsHub{started: now, curMin: m}
	h.minUnix[0] = m * 60
	return h
}

func (h *statsHub) advanceLocked(targetMin int64) {
	if targetMin <= h.curMin {
		return
	}
	for h.curMin < targetMin {
		h.curMin++
		h.idx = (h.idx + 1) % len(h.xfer)
		h.minUnix[h.idx] = h.curMin * 60
		h.xfer[h.idx] = 0
		h.err[h.idx] = 0
		h.in[h.idx] = 0
	}
}

func (h *statsHub) RecordTransfer(bytes uint64, success bool, durationMs int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.advanceLocked(time.Now().Unix() / 60)

	h.transfers++
	h.xfer[h.idx]++
	if success {
		h.transfersOK++
	}
	h.bytes += bytes
	h.in[h.idx] += bytes
	if durationMs > 0 {
		h.totalDurMs += uint64(durationMs)
	}
}

func (h *statsHub) RecordConnection(success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections++
	if success {
		h.connsOK++
	}
}

func (h *statsHub) RecordError() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.advanceLocked(time.Now().Unix() / 60)
	h.errs++
	h.err[h.idx]++
}

func (h *statsHub) RecordTimeout() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeouts++
}

func (h *statsHub) UpdateActive(count int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = count
}

func (h *statsHub) Snapshot() StatsSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	h.advanceLocked(now.Unix() / 60)

	// Oldest -> newest.
	n := len(h.xfer)
	recent := make([]StatsPoint, 0, n)
	for i := 0; i < n; i++ {
		j := (h.idx + 1 + i) % n
		if h.minUnix[j] == 0 {
			continue
		}
		recent = append(recent, StatsPoint{
			MinuteUnix: h.minUnix[j],
			Transfers:  h.xfer[j],
			Errors:     h.err[j],
			Bytes:      h.in[j],
		})
	}

	avg := uint64(0)
	if h.transfers > 0 {
		avg = h.totalDurMs / h.transfers
	}

	return StatsSnapshot{
		StartedUnix:    h.started.Unix(),
		NowUnix:        now.Unix(),
		UptimeSec:      int64(now.Sub(h.started).Seconds()),
		Transfers:      h.transfers,
		TransfersOK:    h.transfersOK,
		TransferErrors: h.transfers - h.transfersOK,
		Connections:    h.connections,
		ConnectionsOK:  h.connsOK,
		Errors:         h.errs,
		Timeouts:       h.timeouts,
		Bytes:          h.bytes,
		AvgMs:          avg,
		Active:         h.active,
		Recent:         recent,
	}
}
