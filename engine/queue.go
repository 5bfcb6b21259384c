package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/micromdm/nanoflow/engine/storage"
	"github.com/micromdm/nanoflow/job"
	"github.com/micromdm/nanoflow/log/logkeys"
)

type queued struct {
	id          string
	scheduledAt time.Time
	seq         int64
}

// device is the FIFO queue of admitted Jobs for one device.
// At most one runner drains a device queue.
type device struct {
	queue   []queued
	running bool
}

func (d *device) push(q queued) {
	for _, have := range d.queue {
		if have.id == q.id {
			return
		}
	}
	d.queue = append(d.queue, q)
	sort.SliceStable(d.queue, func(i, j int) bool {
		if !d.queue[i].scheduledAt.Equal(d.queue[j].scheduledAt) {
			return d.queue[i].scheduledAt.Before(d.queue[j].scheduledAt)
		}
		return d.queue[i].seq < d.queue[j].seq
	})
}

func (d *device) remove(id string) {
	for i, q := range d.queue {
		if q.id == id {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			return
		}
	}
}

// admit moves a pending Job to queued and places it on its device queue.
// Must be called with mu held.
func (e *Engine) admit(ctx context.Context, j *job.Job) error {
	if err := j.Transition(job.StatusQueued, e.now()); err != nil {
		return err
	}
	if err := e.storage.StoreJob(ctx, j); err != nil {
		return fmt.Errorf("storing job: %w", err)
	}
	e.enqueue(j)
	return nil
}

// enqueue places a queued Job on its device queue and starts the device
// runner if the device is idle.
// Must be called with mu held.
func (e *Engine) enqueue(j *job.Job) {
	d, ok := e.devices[j.DeviceID]
	if !ok {
		d = new(device)
		e.devices[j.DeviceID] = d
	}
	d.push(queued{id: j.ID, scheduledAt: j.ScheduledAt, seq: j.Seq})
	if d.running || e.closed {
		return
	}
	d.running = true
	e.wg.Add(1)
	go e.drain(j.DeviceID)
}

// dequeue removes a Job from its device queue.
// Must be called with mu held.
func (e *Engine) dequeue(deviceID, id string) {
	if d, ok := e.devices[deviceID]; ok {
		d.remove(id)
	}
}

// next pops the next runnable Job of a device and marks it running.
// A Job stays at the head of the queue until it is stored as running.
// Returns nil once the queue is empty or stalled and the runner should stop.
func (e *Engine) next(deviceID string) *job.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	logger := e.logger.With(logkeys.DeviceID, deviceID)
	d := e.devices[deviceID]
	for d != nil && len(d.queue) > 0 && !e.closed {
		q := d.queue[0]
		j, err := e.storage.RetrieveJob(e.ctx, q.id)
		if errors.Is(err, storage.ErrJobNotFound) {
			d.queue = d.queue[1:]
			continue
		} else if err != nil {
			// resumed by the next admission pass
			logger.Info(logkeys.Message, "retrieving queued job", logkeys.JobID, q.id, logkeys.Error, err)
			break
		}
		if j.Status != job.StatusQueued {
			// cancelled while waiting
			d.queue = d.queue[1:]
			continue
		}
		if err = j.Transition(job.StatusRunning, e.now()); err != nil {
			logger.Info(logkeys.Message, "starting job", logkeys.JobID, q.id, logkeys.Error, err)
			d.queue = d.queue[1:]
			continue
		}
		if err = e.storage.StoreJob(e.ctx, j); err != nil {
			logger.Info(logkeys.Message, "storing job", logkeys.JobID, q.id, logkeys.Error, err)
			break
		}
		d.queue = d.queue[1:]
		e.active[j.ID] = true
		return j
	}
	if d != nil {
		d.running = false
		if len(d.queue) < 1 {
			delete(e.devices, deviceID)
		}
	}
	return nil
}

// resume restarts the runners of idle device queues that still hold Jobs.
// Must be called with mu held.
func (e *Engine) resume() int {
	if e.closed {
		return 0
	}
	var ct int
	for deviceID, d := range e.devices {
		if d.running || len(d.queue) < 1 {
			continue
		}
		d.running = true
		e.wg.Add(1)
		go e.drain(deviceID)
		ct++
	}
	return ct
}

// drain runs the Jobs of a device queue one at a time.
func (e *Engine) drain(deviceID string) {
	defer e.wg.Done()
	for {
		j := e.next(deviceID)
		if j == nil {
			return
		}
		final := e.run(e.ctx, j)
		if final != nil {
			e.notify(e.ctx, final)
		}
		e.release(j.ID)
	}
}

// release clears the run state of a Job once its runner is done with it.
func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.active, id)
	delete(e.cancelled, id)
	e.mu.Unlock()
	e.wake(id)
}

func (e *Engine) isCancelled(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[id]
}
