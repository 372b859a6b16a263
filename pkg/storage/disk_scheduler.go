package storage

import "sync"

// RequestKind discriminates the two shapes of disk request.
type RequestKind int

const (
	ReadRequest RequestKind = iota
	WriteRequest
)

// DiskRequest is a single unit of work for the scheduler's background
// worker. Requests for the same page are processed in the order they
// were scheduled.
type DiskRequest struct {
	PageID  PageID
	Kind    RequestKind
	Payload []byte // set for WriteRequest
}

// DiskResponse is the completion value delivered for a DiskRequest.
type DiskResponse struct {
	Data  [PageSize]byte // valid for ReadRequest
	Found bool           // valid for ReadRequest
	Err   error
}

type job struct {
	req  DiskRequest
	done chan DiskResponse
}

// DiskScheduler serializes disk requests through a single background
// worker, the indirection layer that would later allow request
// batching, read-ahead, and parallel device queues. Today it enforces
// a global FIFO order of disk operations over one DiskManager.
type DiskScheduler struct {
	dm       *DiskManager
	jobs     chan job
	done     chan struct{}
	closeSet sync.Once
}

// NewDiskScheduler starts the scheduler's worker goroutine.
func NewDiskScheduler(dm *DiskManager) *DiskScheduler {
	ds := &DiskScheduler{
		dm:   dm,
		jobs: make(chan job, 256), // unbounded in spirit; buffered so Schedule never blocks the caller under normal load
		done: make(chan struct{}),
	}
	go ds.run()
	return ds
}

func (ds *DiskScheduler) run() {
	defer close(ds.done)
	for j := range ds.jobs {
		var resp DiskResponse
		switch j.req.Kind {
		case ReadRequest:
			data, found, err := ds.dm.ReadPage(j.req.PageID)
			resp = DiskResponse{Data: data, Found: found, Err: err}
		case WriteRequest:
			err := ds.dm.WritePage(j.req.PageID, j.req.Payload)
			resp = DiskResponse{Err: err}
		}
		// A dropped completion handle is legal: the worker still runs
		// the request to completion and discards the notification if
		// nobody is listening (the channel is buffered to 1, so this
		// send never blocks the worker).
		j.done <- resp
	}
}

// Schedule enqueues req and returns a single-shot channel carrying its
// completion. The job channel holds 256 queued requests: the enqueue
// returns at once while there is room and blocks while 256 requests
// are already waiting for the worker. Receiving from the returned
// channel blocks until the request has been carried out.
func (ds *DiskScheduler) Schedule(req DiskRequest) <-chan DiskResponse {
	done := make(chan DiskResponse, 1)
	ds.jobs <- job{req: req, done: done}
	return done
}

// ScheduleRead is a convenience wrapper around Schedule for reads.
func (ds *DiskScheduler) ScheduleRead(id PageID) <-chan DiskResponse {
	return ds.Schedule(DiskRequest{PageID: id, Kind: ReadRequest})
}

// ScheduleWrite is a convenience wrapper around Schedule for writes.
func (ds *DiskScheduler) ScheduleWrite(id PageID, data []byte) <-chan DiskResponse {
	return ds.Schedule(DiskRequest{PageID: id, Kind: WriteRequest, Payload: data})
}

// Shutdown closes the submission side and joins the worker. Any
// in-flight jobs already enqueued are drained before the worker exits.
func (ds *DiskScheduler) Shutdown() {
	ds.closeSet.Do(func() {
		close(ds.jobs)
	})
	<-ds.done
}
