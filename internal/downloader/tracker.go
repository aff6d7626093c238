package downloader

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/KinnaTo/videoconverter/internal/task"
)

// speedWindow is the number of per-second samples the current-speed
// average rolls over.
const speedWindow = 5

// tracker accumulates transfer counters for one download and derives
// speed and ETA snapshots from them.
type tracker struct {
	total      int64 // -1 when unknown
	resumed    int64
	downloaded atomic.Int64
	started    time.Time
}

func newTracker(total, resumed int64) *tracker {
	tr := &tracker{total: total, resumed: resumed, started: time.Now()}
	tr.downloaded.Store(resumed)
	return tr
}

// startReporting launches the once-per-second progress loop. The returned
// function stops it and waits for the loop to exit.
func (tr *tracker) startReporting(ctx context.Context, onProgress func(task.TransferProgress)) func() {
	if onProgress == nil {
		return func() {}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		window := make([]int64, 0, speedWindow)
		last := tr.downloaded.Load()

		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				current := tr.downloaded.Load()
				delta := current - last
				last = current

				window = append(window, delta)
				if len(window) > speedWindow {
					window = window[1:]
				}

				onProgress(tr.snapshot(window))
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

// snapshot derives a progress record from the counters and the rolling
// speed window.
func (tr *tracker) snapshot(window []int64) task.TransferProgress {
	current := tr.downloaded.Load()

	var windowSum int64
	for _, d := range window {
		windowSum += d
	}
	currentSpeed := float64(0)
	if len(window) > 0 {
		currentSpeed = float64(windowSum) / float64(len(window))
	}

	elapsed := time.Since(tr.started).Seconds()
	averageSpeed := float64(0)
	if elapsed > 0 {
		averageSpeed = float64(current-tr.resumed) / elapsed
	}

	p := task.TransferProgress{
		TotalSize:    tr.total,
		CurrentSize:  current,
		CurrentSpeed: currentSpeed,
		AverageSpeed: averageSpeed,
	}

	if tr.total > 0 {
		p.Percent = float64(current) / float64(tr.total) * 100
		if p.Percent > 100 {
			p.Percent = 100
		}
		if currentSpeed > 0 {
			p.ETA = int64(float64(tr.total-current) / currentSpeed)
		}
	}
	return p
}

// emitFinal fires the terminal 100% progress callback.
func (tr *tracker) emitFinal(onProgress func(task.TransferProgress)) {
	if onProgress == nil {
		return
	}
	current := tr.downloaded.Load()
	total := tr.total
	if total < 0 {
		total = current
	}
	onProgress(task.TransferProgress{
		TotalSize:   total,
		CurrentSize: current,
		Percent:     100,
	})
}
