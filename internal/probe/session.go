// Package probe implements the paired-probe correlation engine: every traced
// operation family's entry, branch and terminal handlers, the in-flight
// records they thread through a correlation store, and the events they
// publish.
//
// Handlers never block, never log and never return errors. Loss is visible
// only through Stats, store counters and channel counters.
package probe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kernmlops/kerntrace/internal/channel"
	"github.com/kernmlops/kerntrace/internal/correlation"
)

// StoreCapacity configures the correlation store size of each family.
type StoreCapacity struct {
	PageFault  int `yaml:"page_fault"`
	Madvise    int `yaml:"madvise"`
	Unmap      int `yaml:"unmap"`
	RSSStat    int `yaml:"rss_stat"`
	Zswap      int `yaml:"zswap"`
	TCPConnect int `yaml:"tcp_connect"`
	TCPRcv     int `yaml:"tcp_rcv"`
	TCPState   int `yaml:"tcp_state"`
	TCPCC      int `yaml:"tcp_cc"`
	TCPCubic   int `yaml:"tcp_cubic"`
}

// Config sizes the fixed structures of a tracing session.
type Config struct {
	// ChannelCapacity is the buffer size of each family's event channel.
	ChannelCapacity int `yaml:"channel_capacity"`
	// StoreCapacity is the per-family correlation store size.
	StoreCapacity StoreCapacity `yaml:"store_capacity"`
}

// DefaultConfig returns the default channel and store capacities.
func DefaultConfig() Config {
	return Config{
		ChannelCapacity: 65536,
		StoreCapacity: StoreCapacity{
			PageFault:  10240,
			Madvise:    32768,
			Unmap:      10240,
			RSSStat:    32768,
			Zswap:      10240,
			TCPConnect: 10240,
			TCPRcv:     10240,
			TCPState:   10240,
			TCPCC:      10240,
			TCPCubic:   10240,
		},
	}
}

// Validate checks that every capacity is positive.
func (c *Config) Validate() error {
	var errs []error

	if c.ChannelCapacity <= 0 {
		errs = append(errs, errors.New("channel_capacity must be positive"))
	}

	for f, n := range c.StoreCapacity.byFamily() {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("store_capacity.%s must be positive", f))
		}
	}

	return errors.Join(errs...)
}

func (s StoreCapacity) byFamily() map[Family]int {
	return map[Family]int{
		FamilyPageFault:  s.PageFault,
		FamilyMadvise:    s.Madvise,
		FamilyUnmap:      s.Unmap,
		FamilyRSSStat:    s.RSSStat,
		FamilyZswap:      s.Zswap,
		FamilyTCPConnect: s.TCPConnect,
		FamilyTCPRcv:     s.TCPRcv,
		FamilyTCPState:   s.TCPState,
		FamilyTCPCC:      s.TCPCC,
		FamilyTCPCubic:   s.TCPCubic,
	}
}

// emitter publishes a family's events and accounts for the outcome.
type emitter struct {
	family Family
	out    *channel.Channel[Event]
	stats  *Stats
}

func (e emitter) publish(ev Event) {
	e.stats.published(e.family, e.out.Publish(ev))
}

type storeReporter interface {
	storeStats() []correlation.Stats
}

// Session owns every probe family, its correlation stores and its event
// channels for the lifetime of one tracing run. It is constructed once and
// handed to whatever delivers firings.
type Session struct {
	cfg      Config
	stats    *Stats
	channels [NumFamilies]*channel.Channel[Event]

	pageFault  *PageFaultProbe
	madvise    *MadviseProbe
	unmap      *UnmapProbe
	rssStat    *RSSStatProbe
	zswap      *ZswapProbe
	connect    *ConnectTracker
	receive    *ReceiveTracker
	state      *StateTracker
	congestion *CongestionTracker
	cubic      *CubicTracker
}

// NewSession allocates every store and channel up front.
func NewSession(cfg Config) *Session {
	s := &Session{
		cfg:   cfg,
		stats: NewStats(),
	}

	for _, f := range AllFamilies() {
		s.channels[f] = channel.New[Event](f.String(), cfg.ChannelCapacity)
	}

	caps := cfg.StoreCapacity

	s.pageFault = newPageFaultProbe(s.emitterFor(FamilyPageFault), caps.PageFault)
	s.madvise = newMadviseProbe(s.emitterFor(FamilyMadvise), caps.Madvise)
	s.unmap = newUnmapProbe(s.emitterFor(FamilyUnmap), caps.Unmap)
	s.rssStat = newRSSStatProbe(s.emitterFor(FamilyRSSStat), caps.RSSStat)
	s.zswap = newZswapProbe(s.emitterFor(FamilyZswap), caps.Zswap)
	s.connect = newConnectTracker(s.emitterFor(FamilyTCPConnect), caps.TCPConnect)
	s.receive = newReceiveTracker(s.emitterFor(FamilyTCPRcv), caps.TCPRcv)
	s.state = newStateTracker(s.emitterFor(FamilyTCPState), caps.TCPState)
	s.cubic = newCubicTracker(s.emitterFor(FamilyTCPCubic), caps.TCPCubic)
	s.congestion = newCongestionTracker(s.emitterFor(FamilyTCPCC), caps.TCPCC, s.cubic.Forget)

	return s
}

func (s *Session) emitterFor(f Family) emitter {
	return emitter{family: f, out: s.channels[f], stats: s.stats}
}

// Config returns the configuration the session was built with.
func (s *Session) Config() Config { return s.cfg }

// Stats returns the per-family outcome counters.
func (s *Session) Stats() *Stats { return s.stats }

// Channel returns the event channel of a family.
func (s *Session) Channel(f Family) *channel.Channel[Event] {
	if f > maxFamily {
		return nil
	}

	return s.channels[f]
}

// PageFault returns the handler that correlates page fault entry and exit.
func (s *Session) PageFault() *PageFaultProbe {
	return s.pageFault
}

// Madvise returns the handler that correlates madvise calls.
func (s *Session) Madvise() *MadviseProbe {
	return s.madvise
}

// Unmap returns the handler that correlates munmap calls.
func (s *Session) Unmap() *UnmapProbe {
	return s.unmap
}

// RSSStat returns the handler for rss_stat tracepoint updates.
func (s *Session) RSSStat() *RSSStatProbe {
	return s.rssStat
}

// Zswap returns the handler that correlates zswap stores and loads.
func (s *Session) Zswap() *ZswapProbe {
	return s.zswap
}

// Connect returns the handler that follows tcp_v4_connect through its branches.
func (s *Session) Connect() *ConnectTracker {
	return s.connect
}

// Receive returns the handler that follows tcp_v4_rcv through its branches.
func (s *Session) Receive() *ReceiveTracker {
	return s.receive
}

// State returns the handler that follows tcp_rcv_state_process.
func (s *Session) State() *StateTracker {
	return s.state
}

// Congestion returns the handler that tracks congestion control callbacks.
func (s *Session) Congestion() *CongestionTracker {
	return s.congestion
}

// Cubic returns the handler that tracks CUBIC window updates.
func (s *Session) Cubic() *CubicTracker {
	return s.cubic
}

// StoreStats reports occupancy and loss for every correlation store.
func (s *Session) StoreStats() []correlation.Stats {
	reporters := []storeReporter{
		s.pageFault, s.madvise, s.unmap, s.rssStat, s.zswap,
		s.connect, s.receive, s.state, s.congestion, s.cubic,
	}

	out := make([]correlation.Stats, 0, len(reporters)+2)
	for _, r := range reporters {
		out = append(out, r.storeStats()...)
	}

	return out
}

// Drain delivers events from every family channel to fn until ctx is
// cancelled. Families are drained concurrently, so fn must be safe for
// concurrent use. Order is preserved within a family only.
func (s *Session) Drain(ctx context.Context, fn func(Event)) {
	var wg sync.WaitGroup

	for _, ch := range s.channels {
		wg.Add(1)

		go func() {
			defer wg.Done()

			ch.Drain(ctx, fn)
		}()
	}

	wg.Wait()
}

// Flush delivers every currently queued event to fn without blocking and
// returns how many were delivered. Families are visited in discriminant
// order.
func (s *Session) Flush(fn func(Event)) int {
	n := 0

	for _, ch := range s.channels {
		for {
			ev, ok := ch.TryRecv()
			if !ok {
				break
			}

			fn(ev)
			n++
		}
	}

	return n
}
