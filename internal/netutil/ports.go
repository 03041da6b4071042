package netutil

// PortsPerInstance is the fixed stride of ports assigned to one instance:
// binary protocol, HTTP, pg protocol, and the admin console, in that order.
const PortsPerInstance = 4

// Ports is the fixed set of listening ports of one instance. Assigned once
// at spawn time; other components cache these values, so they never change
// for the lifetime of the instance.
type Ports struct {
	Binary  int // iproto / peer port
	HTTP    int
	Pg      int // pg-protocol port
	Console int // admin console port
}

// Block is a contiguous range of leased ports [Base, Base+Count).
type Block struct {
	Base  int
	Count int
}

// overlaps reports whether two blocks share any port.
func (b Block) overlaps(o Block) bool {
	return b.Base < o.Base+o.Count && o.Base < b.Base+b.Count
}

// Instance returns the port set of the instance at the given ordinal
// within the block. Panics if the ordinal's stride falls outside the
// block; that is a programmer error in the caller's sizing.
func (b Block) Instance(ordinal int) Ports {
	base := b.Base + ordinal*PortsPerInstance
	if ordinal < 0 || base+PortsPerInstance > b.Base+b.Count {
		panic("netutil: instance ordinal outside leased port block")
	}
	return Ports{
		Binary:  base,
		HTTP:    base + 1,
		Pg:      base + 2,
		Console: base + 3,
	}
}
