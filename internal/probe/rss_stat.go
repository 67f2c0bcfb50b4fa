package probe

import (
	"fmt"

	"github.com/kernmlops/kerntrace/internal/correlation"
)

const pageShift = 12

// RSSMember is the mm_counter an rss_stat update applies to.
type RSSMember int32

const (
	RSSFilePages  RSSMember = 0
	RSSAnonPages  RSSMember = 1
	RSSSwapEnts   RSSMember = 2
	RSSShmemPages RSSMember = 3
)

func (m RSSMember) String() string {
	switch m {
	case RSSFilePages:
		return "MM_FILEPAGES"
	case RSSAnonPages:
		return "MM_ANONPAGES"
	case RSSSwapEnts:
		return "MM_SWAPENTS"
	case RSSShmemPages:
		return "MM_SHMEMPAGES"
	default:
		return fmt.Sprintf("MM_UNKNOWN(%d)", int32(m))
	}
}

// RSSStatEvent is one resident-set counter update attributed to the owner
// of the address space.
type RSSStatEvent struct {
	Header
	OwnerPID  uint32    `json:"owner_pid"`
	OwnerTGID uint32    `json:"owner_tgid"`
	Member    RSSMember `json:"member"`
	SizeBytes int64     `json:"size_bytes"`
	Pages     int64     `json:"pages"`
}

type rssOwner struct {
	pid  uint32
	tgid uint32
}

// RSSStatProbe pairs the raw rss_stat tracepoint, which sees the mm owner,
// with the formatted kmem:rss_stat tracepoint, which carries the counter.
type RSSStatProbe struct {
	emitter
	owners *correlation.Store[ExecContext, rssOwner]
}

func newRSSStatProbe(e emitter, capacity int) *RSSStatProbe {
	return &RSSStatProbe{
		emitter: e,
		owners:  correlation.New[ExecContext, rssOwner]("rss_stat", capacity),
	}
}

// Stash records the address-space owner for the update in flight.
func (p *RSSStatProbe) Stash(f Firing, ownerPID, ownerTGID uint32) {
	p.owners.Put(f.Ctx, rssOwner{pid: ownerPID, tgid: ownerTGID})
	p.stats.entered(p.family)
}

// Emit consumes the stashed owner and publishes the counter value.
func (p *RSSStatProbe) Emit(f Firing, member RSSMember, sizeBytes int64) {
	owner, ok := p.owners.Take(f.Ctx)
	if !ok {
		p.stats.missing(p.family)

		return
	}

	p.publish(RSSStatEvent{
		Header:    f.header(),
		OwnerPID:  owner.pid,
		OwnerTGID: owner.tgid,
		Member:    member,
		SizeBytes: sizeBytes,
		Pages:     sizeBytes >> pageShift,
	})
}

func (p *RSSStatProbe) storeStats() []correlation.Stats {
	return []correlation.Stats{p.owners.Stats()}
}
