// internal/failuretable/cleaner.go
package failuretable

import "time"

// Cleaner drives the periodic sweep of §4.5 on its own goroutine: every
// CleanupPeriod it snapshots both indices, runs Cleanup/Expired checks
// outside the table's lock, then drops whatever came back empty.
type Cleaner struct {
	table    *FailureTable
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func NewCleaner(table *FailureTable) *Cleaner {
	return &Cleaner{
		table:    table,
		interval: CleanupPeriod,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (c *Cleaner) Start() {
	go c.run()
}

func (c *Cleaner) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.table.RunCleanup(time.Now())
		case <-c.stop:
			return
		}
	}
}

func (c *Cleaner) Stop() {
	close(c.stop)
	<-c.done
}
