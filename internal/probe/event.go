package probe

// Event is one immutable record produced by a probe family. The set of
// implementations is closed; consumers switch on the concrete type:
//
//	switch e := ev.(type) {
//	case PageFaultEvent:
//	case ConnectEvent:
//	...
//	}
type Event interface {
	Family() Family
	EventHeader() Header
	isEvent()
}

func (PageFaultEvent) isEvent()  {}
func (MadviseEvent) isEvent()    {}
func (UnmapEvent) isEvent()      {}
func (RSSStatEvent) isEvent()    {}
func (ZswapEvent) isEvent()      {}
func (ConnectEvent) isEvent()    {}
func (ReceiveEvent) isEvent()    {}
func (StateEvent) isEvent()      {}
func (CongestionEvent) isEvent() {}
func (CubicEvent) isEvent()      {}

func (PageFaultEvent) Family() Family  { return FamilyPageFault }
func (MadviseEvent) Family() Family    { return FamilyMadvise }
func (UnmapEvent) Family() Family      { return FamilyUnmap }
func (RSSStatEvent) Family() Family    { return FamilyRSSStat }
func (ZswapEvent) Family() Family      { return FamilyZswap }
func (ConnectEvent) Family() Family    { return FamilyTCPConnect }
func (ReceiveEvent) Family() Family    { return FamilyTCPRcv }
func (StateEvent) Family() Family      { return FamilyTCPState }
func (CongestionEvent) Family() Family { return FamilyTCPCC }
func (CubicEvent) Family() Family      { return FamilyTCPCubic }
