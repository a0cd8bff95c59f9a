package trace

// Event is one decoded trace event. The concrete types are AllocEvent,
// PromoteEvent, CollectEvent and LocationEvent.
type Event interface {
	event()
}

// AllocEvent is a sampled allocation. ObjID is the allocation identifier
// assigned by position in the stream. Backtrace is the full reconstructed
// call stack of location identifiers, outermost frame first; the slice is
// only valid for the duration of the iterator callback.
type AllocEvent struct {
	ObjID     uint64
	Length    uint64
	Samples   uint64
	IsMajor   bool
	Backtrace []uint64
}

// PromoteEvent records the promotion of a previously allocated object into
// the major heap.
type PromoteEvent struct {
	ObjID uint64
}

// CollectEvent records the collection of a previously allocated object.
type CollectEvent struct {
	ObjID uint64
}

// LocationEvent declares the source locations behind a location identifier.
// It always precedes any data event referencing ID.
type LocationEvent struct {
	ID        uint64
	Locations []Location
}

func (AllocEvent) event()    {}
func (PromoteEvent) event()  {}
func (CollectEvent) event()  {}
func (LocationEvent) event() {}
