// Package worker provides the goroutine pool that runs load-generator clients
// and view query workers.
//
// # Basic Usage
//
//	pool := worker.NewPool(worker.PoolConfig{Name: "views", NumWorkers: 4})
//	pool.Start(ctx)
//	defer pool.Stop()
//
//	for i := range 100 {
//	    pool.Submit(func(workerID int) {
//	        // do work; Submit blocks while the queue is full
//	    })
//	}
//	pool.Wait()
//
// # Long-running loops
//
// RunEach starts n workers and runs fn once on each, blocking until all of
// them return. Client threads of a load run use it:
//
//	worker.RunEach(ctx, "mcsoda", cfg.Threads, func(ctx context.Context, id int) {
//	    for ctl.Ok() && ctx.Err() == nil {
//	        // issue a batch
//	    }
//	})
//
// # Shutdown
//
// Stop waits for in-flight jobs and discards queued ones. Wait returns once
// every submitted job has either run or been discarded.
package worker
