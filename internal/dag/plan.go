package dag

import (
	"strings"
	"time"
)

// Pusher is the subset of queue.Manager the dag package depends on,
// avoiding an import cycle (internal/queue imports internal/dag for Op
// and RunInfo, so Plan.Distribute reaches back out through an interface
// rather than importing internal/queue directly).
type Pusher interface {
	Push(device string, rinfo *RunInfo)
}

// Plan is the output of parser.Parse: a fully resolved RunInfo not yet
// handed to any device queue.
type Plan struct {
	RunInfo *RunInfo
}

// Distribute enumerates the plan's distinct devices (case-insensitive),
// partitions ops into RunInfo.DeviceOps, stamps QueuedAt, and pushes the
// shared RunInfo pointer onto each device's queue exactly once per device
// (a worker reads back its own slice via RunInfo.DeviceOpsFor).
func (p *Plan) Distribute(pusher Pusher, now time.Time) {
	r := p.RunInfo
	r.DeviceOps = make(map[string][]Op)
	seen := make(map[string]string) // uppercased -> original casing used for Push
	for _, op := range r.Ops {
		key := strings.ToUpper(op.Device())
		canon, ok := seen[key]
		if !ok {
			canon = op.Device()
			seen[key] = canon
		}
		r.DeviceOps[canon] = append(r.DeviceOps[canon], op)
	}

	r.singleDevice = len(seen) <= 1
	r.QueuedAt = now
	r.RefCount.Store(int32(len(seen)))

	for _, device := range seen {
		pusher.Push(device, r)
	}
}
