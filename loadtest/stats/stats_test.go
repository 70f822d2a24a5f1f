package stats

import (
	"sync"
	"testing"
	"time"
)

func TestCollector_Counts(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.AddConnect(time.Duration(i) * time.Millisecond)
			c.Inc("matched")
			if i%10 == 0 {
				c.AddError()
			}
		}(i)
	}
	wg.Wait()

	if got := c.ConnectionCount(); got != 50 {
		t.Errorf("ConnectionCount = %d, want 50", got)
	}
	if got := c.ErrorCount(); got != 5 {
		t.Errorf("ErrorCount = %d, want 5", got)
	}
	if got := c.Count("matched"); got != 50 {
		t.Errorf("Count(matched) = %d, want 50", got)
	}
	if got := len(c.latencies["connect"]); got != 50 {
		t.Errorf("connect samples = %d, want 50", got)
	}
}

func TestCollector_ReportSingleSample(t *testing.T) {
	c := NewCollector()
	c.AddLatency("relay", time.Millisecond)
	c.Report()
}
