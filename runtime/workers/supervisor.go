package workers

import (
	"context"
	"fmt"
	"hive-chat/contract"
	"hive-chat/errors"
	"log/slog"
	"sync"
	"time"
)

const waitTimeBeforeRestart = 200 * time.Millisecond

// Supervisor runs workers in their own goroutine, restarts them when they
// crash and stops them all on Stop. Each worker also stops with the context
// it was started on.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

func NewSupervisor(log *slog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{ctx: ctx, cancel: cancel, log: log}
}

// Start runs a worker under supervision until ctx is canceled or the
// supervisor is stopped. A panic or an error restarts the worker after a short
// delay, a nil return ends it. Starting on a stopped supervisor is a no-op.
func (s *Supervisor) Start(ctx context.Context, worker contract.Worker) {
	if s.ctx.Err() != nil {
		return
	}
	workerCtx, cancel := context.WithCancel(ctx)
	release := context.AfterFunc(s.ctx, cancel)
	workerName := contract.GetWorkerName(worker)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		defer cancel()
		s.supervise(workerCtx, workerName, worker)
	}()
}

func (s *Supervisor) supervise(ctx context.Context, workerName string, worker contract.Worker) {
	for {
		if ctx.Err() != nil {
			s.log.Debug(fmt.Sprintf("Stopping : %s", workerName))
			return
		}

		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", errors.ErrWorkerPanic, r)
				}
			}()
			return worker.Run(ctx)
		}()

		if err == nil {
			s.log.Debug(fmt.Sprintf("Worker finished : %s", workerName))
			return
		}
		if ctx.Err() != nil {
			s.log.Debug("Worker stopped (context canceled)", "name", workerName)
			return
		}

		s.log.Warn("Worker crashed, restarting", "name", workerName, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(waitTimeBeforeRestart):
		}
	}
}

// Stop cancels every supervised worker. Use Wait to block until they returned.
func (s *Supervisor) Stop() {
	s.cancel()
}

// Wait blocks until every supervised goroutine returned
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
