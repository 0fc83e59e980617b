package store

import (
    "context"
    "fmt"
    "time"

    "github.com/yourusername/social-report-exporter/pkg/model"
)

// writeOpType defines the type of write operation
type writeOpType int

const (
    opCreateSchedule writeOpType = iota
    opUpdateSchedule
    opDeleteSchedule
    opCreateRun
    opUpdateRun
    opPruneRuns
    opUpsertSettings
)

func (t writeOpType) String() string {
    switch t {
    case opCreateSchedule:
        return "create_schedule"
    case opUpdateSchedule:
        return "update_schedule"
    case opDeleteSchedule:
        return "delete_schedule"
    case opCreateRun:
        return "create_run"
    case opUpdateRun:
        return "update_run"
    case opPruneRuns:
        return "prune_runs"
    case opUpsertSettings:
        return "upsert_settings"
    }
    return fmt.Sprintf("op(%d)", int(t))
}

// writeOp represents a single write operation with its response channel
type writeOp struct {
    opType   writeOpType
    data     interface{}
    response chan writeResult
}

// writeResult contains the result of a write operation
type writeResult struct {
    err error
    id  int64 // For operations that return an ID (Create operations)
}

// writeQueue manages serialized database writes
type writeQueue struct {
    queue  chan writeOp
    ctx    context.Context
    cancel context.CancelFunc
    done   chan struct{}
    store  *Store
}

// newWriteQueue creates and starts a new write queue
func newWriteQueue(db *Store) *writeQueue {
    ctx, cancel := context.WithCancel(context.Background())
    wq := &writeQueue{
        queue:  make(chan writeOp, 100), // Buffer for 100 operations
        ctx:    ctx,
        cancel: cancel,
        done:   make(chan struct{}),
        store:  db,
    }

    // Start the single writer goroutine
    go wq.processQueue()

    return wq
}

// processQueue is the single writer goroutine that processes all write operations sequentially
func (wq *writeQueue) processQueue() {
    defer close(wq.done)

    for {
        select {
        case <-wq.ctx.Done():
            // Drain remaining operations before shutting down
            for {
                select {
                case op := <-wq.queue:
                    wq.executeOp(op)
                default:
                    wq.store.log.Debug().Msg("write queue shutdown complete")
                    return
                }
            }

        case op := <-wq.queue:
            wq.executeOp(op)
        }
    }
}

// executeOp executes a single write operation
func (wq *writeQueue) executeOp(op writeOp) {
    var result writeResult
    db := wq.store
    started := time.Now()

    switch op.opType {
    case opCreateSchedule:
        schedule := op.data.(*model.Schedule)
        result.err = db.createScheduleDirect(schedule)
        result.id = schedule.ID

    case opUpdateSchedule:
        schedule := op.data.(*model.Schedule)
        result.err = db.updateScheduleDirect(schedule)

    case opDeleteSchedule:
        result.err = db.deleteScheduleDirect(op.data.(int64))

    case opCreateRun:
        run := op.data.(*model.ExportRun)
        result.err = db.createRunDirect(run)
        result.id = run.ID

    case opUpdateRun:
        run := op.data.(*model.ExportRun)
        result.err = db.updateRunDirect(run)

    case opPruneRuns:
        result.err = db.pruneRunsDirect(op.data.(*pruneParams))

    case opUpsertSettings:
        settings := op.data.(*model.Settings)
        result.err = db.upsertSettingsDirect(settings)
        result.id = settings.ID

    default:
        result.err = fmt.Errorf("unknown write operation %s", op.opType)
    }

    if result.err != nil {
        db.log.Warn().Err(result.err).Stringer("op", op.opType).Msg("write failed")
    } else {
        db.log.Trace().Stringer("op", op.opType).Int64("id", result.id).Dur("elapsed", time.Since(started)).Msg("write done")
    }

    // Send result back to caller
    op.response <- result
}

// enqueue adds a write operation to the queue and waits for the result
func (wq *writeQueue) enqueue(opType writeOpType, data interface{}) error {
    response := make(chan writeResult, 1)

    op := writeOp{
        opType:   opType,
        data:     data,
        response: response,
    }

    select {
    case wq.queue <- op:
        // Operation queued successfully
    case <-wq.ctx.Done():
        return wq.ctx.Err()
    }

    // Wait for result
    select {
    case result := <-response:
        return result.err
    case <-wq.done:
        // The writer drains the queue before closing done
        select {
        case result := <-response:
            return result.err
        default:
            return wq.ctx.Err()
        }
    }
}

// shutdown gracefully shuts down the write queue
func (wq *writeQueue) shutdown() {
    wq.store.log.Debug().Msg("write queue shutting down")
    wq.cancel()
    <-wq.done
}

// Helper structs for passing parameters
type pruneParams struct {
    cutoff  time.Time
    deleted int64
}
