package cron

import (
	"sync"
	"sync/atomic"

	rcron "github.com/robfig/cron/v3"
)

// ScheduleStatus reports the state of a scheduled job.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
	ScheduleStatusStopped   ScheduleStatus = "stopped"
)

// Handle controls one scheduled job.
type Handle interface {
	Cancel()
	Status() ScheduleStatus
	// Err is the error of the most recent run, if it failed.
	Err() error
	Runs() int64
	Done() <-chan struct{}
	ID() int64
}

type cronHandle struct {
	scheduler *Scheduler
	id        int64
	entryID   rcron.EntryID
	done      chan struct{}
	runs      atomic.Int64

	mu     sync.RWMutex
	status ScheduleStatus
	err    error
	once   sync.Once
}

func (h *cronHandle) Cancel() {
	h.once.Do(func() {
		h.scheduler.removeHandle(h.id)
		h.setTerminal(ScheduleStatusCanceled, nil)
	})
}

func (h *cronHandle) Status() ScheduleStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *cronHandle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *cronHandle) Runs() int64 { return h.runs.Load() }

func (h *cronHandle) Done() <-chan struct{} { return h.done }

func (h *cronHandle) ID() int64 { return h.id }

func (h *cronHandle) setStatus(status ScheduleStatus, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if isTerminalStatus(h.status) {
		return
	}
	h.status = status
	h.err = err
}

func (h *cronHandle) setTerminal(status ScheduleStatus, err error) {
	h.mu.Lock()
	if isTerminalStatus(h.status) {
		h.mu.Unlock()
		return
	}
	h.status = status
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

func isTerminalStatus(status ScheduleStatus) bool {
	return status == ScheduleStatusCanceled || status == ScheduleStatusStopped
}
