// Package engine wires every core component into the one long-lived
// object cmd/aidagd drives: the keyspace store, the backend table, the
// per-device queue manager, and the ONNX cooperative timeout scanner. A
// single struct a thin cmd/ package constructs once and calls into per
// request.
package engine

import (
	"time"

	"github.com/tensorplane/aidag/internal/backend"
	"github.com/tensorplane/aidag/internal/backend/cpuref"
	"github.com/tensorplane/aidag/internal/backend/onnx"
	"github.com/tensorplane/aidag/internal/complete"
	"github.com/tensorplane/aidag/internal/config"
	"github.com/tensorplane/aidag/internal/keyspace/sqlitekv"
	"github.com/tensorplane/aidag/internal/objects"
	"github.com/tensorplane/aidag/internal/onnxtimeout"
	"github.com/tensorplane/aidag/internal/parser"
	"github.com/tensorplane/aidag/internal/queue"
	"github.com/tensorplane/aidag/internal/stats"
	"github.com/tensorplane/aidag/internal/worker"
)

// Engine owns the keyspace, the queue manager and the stats registry for
// one running aidagd process.
type Engine struct {
	Store    *sqlitekv.Store
	Stats    *stats.Registry
	queues   *queue.Manager
	stopScan chan struct{}
}

// Open constructs an Engine backed by a SQLite keyspace at dbPath,
// registers the built-in backends, and starts the per-device worker
// pools plus the ONNX timeout scanner.
func Open(dbPath string) (*Engine, error) {
	store, err := sqlitekv.Open(dbPath)
	if err != nil {
		return nil, err
	}

	backend.Global().RegisterCapability(objects.Torch, cpuref.Capability)
	backend.Global().RegisterLoader(objects.ONNX, onnx.NewLoader())
	onnxtimeout.Global().SetTimeout(time.Duration(config.ModelExecutionTimeoutMS()) * time.Millisecond)

	e := &Engine{
		Store:    store,
		Stats:    stats.NewRegistry(),
		queues:   queue.NewManager(worker.Loop),
		stopScan: make(chan struct{}),
	}
	go e.scanLoop()
	return e, nil
}

// scanLoop periodically sweeps onnxtimeout's registry for runs that have
// exceeded their deadline, the background half of the cooperative
// cancellation handshake backends opt into.
func (e *Engine) scanLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			onnxtimeout.Global().Scan(time.Now(), onnx.ProcessTerminator)
		case <-e.stopScan:
			return
		}
	}
}

// Close stops the timeout scanner, every per-device queue, and the
// underlying keyspace connection.
func (e *Engine) Close() error {
	close(e.stopScan)
	e.queues.CloseAll()
	e.queues.Wait()
	return e.Store.Close()
}

// Execute parses argv as one wire command and plans it onto the per-device
// queues. client.Unblock is called exactly once, from complete.Finish,
// when every device the DAG touched has finished draining it.
func (e *Engine) Execute(argv []string, compat bool, client ClientHandle) error {
	opts := parser.Options{Compat: compat}
	plan, err := parser.Parse(argv, opts, e.Store, e.Store, e.Stats)
	if err != nil {
		return err
	}

	onFinish := complete.DefaultOnFinish(e.Store, sqlitekv.NopReplicator{})
	plan.RunInfo.Client = client
	plan.RunInfo.OnFinish = onFinish
	plan.Distribute(e.queues, time.Now())
	return nil
}

// ClientHandle matches keyspace.ClientHandle; redeclared here only so
// callers outside internal/keyspace don't need that import just to call
// Execute.
type ClientHandle interface {
	Unblock(reply any)
}
