// Package progress is the Scheduler's push surface toward a UI: three
// callback slots, generalized from the teacher's Wails event-emission
// call sites into a plain Go interface with no GUI dependency.
package progress

import "github.com/baeeng/batch-acquisition-engine/internal/storage"

// Level tags a progress event the way a UI needs to render it.
type Level string

const (
	LevelInfo     Level = "info"
	LevelDownload Level = "download"
	LevelOK       Level = "ok"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
)

// Sink is the Progress Bus contract. Implementations must not block —
// a slow consumer must never stall a worker. Completion callbacks
// (OnSiteComplete, OnJobComplete) must never be dropped; OnProgress may
// be coalesced or dropped under back-pressure.
type Sink interface {
	OnProgress(job *storage.BatchJob, site *storage.BatchSite, level Level, message string, fraction float64)
	OnSiteComplete(site *storage.BatchSite)
	OnJobComplete(job *storage.BatchJob)
}

// NoopSink discards every event; useful for headless runs or tests that
// don't care about progress.
type NoopSink struct{}

func (NoopSink) OnProgress(*storage.BatchJob, *storage.BatchSite, Level, string, float64) {}
func (NoopSink) OnSiteComplete(*storage.BatchSite)                                        {}
func (NoopSink) OnJobComplete(*storage.BatchJob)                                          {}

// ChannelSink forwards events onto buffered channels. Progress events are
// dropped (never blocked on) when the buffer is full; completion events
// are never dropped: when their buffer is full they are handed to a
// goroutine that blocks on the send, so a stalled consumer cannot wedge
// a worker.
type ChannelSink struct {
	Progress      chan Event
	SiteComplete  chan *storage.BatchSite
	JobComplete   chan *storage.BatchJob
}

// Event is one progress update.
type Event struct {
	Job      *storage.BatchJob
	Site     *storage.BatchSite
	Level    Level
	Message  string
	Fraction float64
}

// NewChannelSink creates a sink with the given progress buffer size;
// completion channels are always buffered to 64 so a burst of site
// completions at pool drain time does not block workers either.
func NewChannelSink(progressBuffer int) *ChannelSink {
	return &ChannelSink{
		Progress:     make(chan Event, progressBuffer),
		SiteComplete: make(chan *storage.BatchSite, 64),
		JobComplete:  make(chan *storage.BatchJob, 64),
	}
}

func (c *ChannelSink) OnProgress(job *storage.BatchJob, site *storage.BatchSite, level Level, message string, fraction float64) {
	ev := Event{Job: job, Site: site, Level: level, Message: message, Fraction: fraction}
	select {
	case c.Progress <- ev:
	default:
		// Buffer full: progress events may be coalesced/dropped, per contract.
	}
}

func (c *ChannelSink) OnSiteComplete(site *storage.BatchSite) {
	select {
	case c.SiteComplete <- site:
	default:
		go func() { c.SiteComplete <- site }()
	}
}

func (c *ChannelSink) OnJobComplete(job *storage.BatchJob) {
	select {
	case c.JobComplete <- job:
	default:
		go func() { c.JobComplete <- job }()
	}
}
