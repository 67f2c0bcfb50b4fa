package pid

import (
	"context"
	"slices"

	"github.com/sirupsen/logrus"
)

const procRoot = "/proc"

// Discovery defines the interface for workload PID discovery.
type Discovery interface {
	// Discover finds the TGIDs of the workload, sorted and deduplicated.
	Discover(ctx context.Context) ([]uint32, error)
}

// NewDiscovery creates a composite discovery that unions process-name and
// cgroup based discovery.
func NewDiscovery(
	log logrus.FieldLogger,
	cfg Config,
) Discovery {
	return newCompositeDiscovery(log, cfg, procRoot)
}

func newCompositeDiscovery(
	log logrus.FieldLogger,
	cfg Config,
	root string,
) *compositeDiscovery {
	log = log.WithField("component", "pid")

	return &compositeDiscovery{
		log: log,
		sources: []source{
			{name: "process", d: newProcessDiscovery(log, root, cfg.ProcessNames)},
			{name: "cgroup", d: newCgroupDiscovery(log, cfg.CgroupPath)},
		},
	}
}

type source struct {
	name string
	d    Discovery
}

type compositeDiscovery struct {
	log     logrus.FieldLogger
	sources []source
	last    int
}

func (d *compositeDiscovery) Discover(
	ctx context.Context,
) ([]uint32, error) {
	seen := make(map[uint32]struct{}, 64)
	result := make([]uint32, 0, 64)

	for _, s := range d.sources {
		pids, err := s.d.Discover(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			d.log.WithError(err).WithField("source", s.name).
				Warn("Workload discovery failed")
		}

		for _, pid := range pids {
			if _, ok := seen[pid]; !ok {
				seen[pid] = struct{}{}
				result = append(result, pid)
			}
		}
	}

	slices.Sort(result)

	if len(result) != d.last {
		if len(result) == 0 {
			d.log.Warn("No workload PIDs discovered")
		} else {
			d.log.WithField("count", len(result)).Info("Discovered workload PIDs")
		}
	}

	d.last = len(result)

	return result, nil
}
