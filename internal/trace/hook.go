package trace

// RawSlot is an opaque 64-bit stack-slot identifier delivered by the
// runtime's sampling hook. It doubles as the location identifier on the
// wire.
type RawSlot uint64

// MaxStackDepth is the stack-depth sentinel handed to the runtime when the
// sampler is registered; callstacks arriving through the hook never exceed
// it.
const MaxStackDepth = 4096

// Sampler is the callback surface a Writer exposes to the runtime's
// allocation-sampling hook. The runtime guarantees the callbacks are
// serialized on the allocating thread; a Sampler is not safe for concurrent
// use. Callstacks are delivered innermost frame first.
type Sampler interface {
	// Alloc records one sampled allocation and returns its allocation
	// identifier, by which the runtime refers back to the object in Promote
	// and Collect.
	Alloc(length, samples uint64, major bool, callstack []RawSlot) (uint64, error)

	// Promote records the promotion of obj into the major heap.
	Promote(obj uint64) error

	// Collect records the deallocation of obj, from either heap.
	Collect(obj uint64) error
}

// Hook registers and unregisters a Sampler with the managed runtime. It is
// modeled as an interface so tests can drive a Writer with synthetic
// allocation streams.
type Hook interface {
	// Start registers s with the runtime at the given sampling rate.
	Start(s Sampler, samplingRate float64) error

	// Stop unregisters the sampler. No callback may be in flight or arrive
	// after Stop returns.
	Stop() error
}

// Resolver maps a raw stack slot to its source locations, outermost inlined
// frame first. An empty result stands for an unresolvable slot.
type Resolver func(RawSlot) []Location

// Clock reads a monotone wall clock in seconds. The writer converts readings
// to microsecond ticks for storage.
type Clock func() float64
