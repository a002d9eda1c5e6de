// Package telemetry provides the control session's counters and their
// periodic CSV sink: a time.Ticker wakes a goroutine that appends one row
// per period to a file whose name may itself contain a time.Format layout,
// so operators can roll the log by naming it e.g. "./telemetry-20060102.log".
package telemetry

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Counters are the in-memory counters the control session maintains:
// packets by direction, transaction outcomes, and sample forwarding
// outcomes. All fields are accessed via atomic operations so reactor
// callbacks, the worker, and the CSV logger never need the session mutex
// just to bump a counter.
type Counters struct {
	PacketsSent      uint64
	PacketsRecv      uint64
	TxnsCompleted    uint64
	TxnsDropped      uint64
	SamplesForwarded uint64
	SamplesDropped   uint64
}

func (c *Counters) IncPacketsSent()      { atomic.AddUint64(&c.PacketsSent, 1) }
func (c *Counters) IncPacketsRecv()      { atomic.AddUint64(&c.PacketsRecv, 1) }
func (c *Counters) IncTxnsCompleted()    { atomic.AddUint64(&c.TxnsCompleted, 1) }
func (c *Counters) IncTxnsDropped()      { atomic.AddUint64(&c.TxnsDropped, 1) }
func (c *Counters) IncSamplesForwarded() { atomic.AddUint64(&c.SamplesForwarded, 1) }
func (c *Counters) IncSamplesDropped()   { atomic.AddUint64(&c.SamplesDropped, 1) }

func (c *Counters) header() []string {
	return []string{"Unix", "PacketsSent", "PacketsRecv", "TxnsCompleted", "TxnsDropped", "SamplesForwarded", "SamplesDropped"}
}

func (c *Counters) row() []string {
	return []string{
		fmt.Sprint(time.Now().Unix()),
		fmt.Sprint(atomic.LoadUint64(&c.PacketsSent)),
		fmt.Sprint(atomic.LoadUint64(&c.PacketsRecv)),
		fmt.Sprint(atomic.LoadUint64(&c.TxnsCompleted)),
		fmt.Sprint(atomic.LoadUint64(&c.TxnsDropped)),
		fmt.Sprint(atomic.LoadUint64(&c.SamplesForwarded)),
		fmt.Sprint(atomic.LoadUint64(&c.SamplesDropped)),
	}
}

// StartCSVLogger is a no-op (matching SnmpLogger's early return) when path
// is empty or period is zero. Otherwise it appends one CSV row per period
// until the returned stop function is called.
func StartCSVLogger(path string, period time.Duration, c *Counters) (stop func()) {
	if path == "" || period == 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				logDir, logFile := filepath.Split(path)
				f, err := os.OpenFile(logDir+time.Now().Format(logFile), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
				if err != nil {
					continue
				}
				w := csv.NewWriter(f)
				if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
					w.Write(c.header())
				}
				w.Write(c.row())
				w.Flush()
				f.Close()
			}
		}
	}()
	return func() { close(done) }
}
