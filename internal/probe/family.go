package probe

import "fmt"

// Family identifies one traced operation family. Each family owns its own
// correlation store(s) and event channel.
type Family uint8

const (
	FamilyPageFault  Family = 0
	FamilyMadvise    Family = 1
	FamilyUnmap      Family = 2
	FamilyRSSStat    Family = 3
	FamilyZswap      Family = 4
	FamilyTCPConnect Family = 5
	FamilyTCPRcv     Family = 6
	FamilyTCPState   Family = 7
	FamilyTCPCC      Family = 8
	FamilyTCPCubic   Family = 9
)

const maxFamily = FamilyTCPCubic

// NumFamilies is the number of defined families.
const NumFamilies = int(maxFamily) + 1

// String returns the configuration name of the family.
func (f Family) String() string {
	switch f {
	case FamilyPageFault:
		return "page_fault"
	case FamilyMadvise:
		return "madvise"
	case FamilyUnmap:
		return "unmap"
	case FamilyRSSStat:
		return "rss_stat"
	case FamilyZswap:
		return "zswap"
	case FamilyTCPConnect:
		return "tcp_connect"
	case FamilyTCPRcv:
		return "tcp_rcv"
	case FamilyTCPState:
		return "tcp_state"
	case FamilyTCPCC:
		return "tcp_cc"
	case FamilyTCPCubic:
		return "tcp_cubic"
	default:
		return fmt.Sprintf("unknown(%d)", f)
	}
}

// AllFamilies returns every defined family in discriminant order.
func AllFamilies() []Family {
	out := make([]Family, 0, NumFamilies)
	for f := Family(0); f <= maxFamily; f++ {
		out = append(out, f)
	}

	return out
}

// ParseFamily resolves a configuration name to its Family.
func ParseFamily(name string) (Family, error) {
	for _, f := range AllFamilies() {
		if f.String() == name {
			return f, nil
		}
	}

	return 0, fmt.Errorf("unknown probe family %q", name)
}
