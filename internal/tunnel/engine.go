// internal/tunnel/engine.go
package tunnel

import (
	"fmt"
	"math"
)

// Engine is the packet engine the controller drives. Implementations follow
// the engine call contract:
//
//   - Run blocks until the engine terminates and returns its exit status.
//     It may call ready once, when the engine is known to be serving.
//     Engines that cannot tell never call it.
//   - Quit asks a running Run to return. It must not block and may be called
//     from any goroutine.
//   - Stats returns tx bytes, rx bytes, tx packets and rx packets, in that
//     order, without blocking.
type Engine interface {
	Run(config []byte, fd int, ready func()) int
	Quit()
	Stats() ([]uint64, error)
}

// Interrupter is implemented by engines that can be torn down forcibly after
// Quit was ignored.
type Interrupter interface {
	Interrupt()
}

// DescriptorResolver is implemented by engines that need their own
// descriptor normalization.
type DescriptorResolver interface {
	ResolveDescriptor(Descriptor) (int, error)
}

// Descriptor is an open tun interface handle. *os.File satisfies it.
type Descriptor interface {
	Fd() uintptr
}

// resolveDescriptor turns dev into the integer descriptor handed to the
// engine.
func resolveDescriptor(engine Engine, dev Descriptor) (int, error) {
	if dev == nil {
		return -1, fmt.Errorf("%w: descriptor is nil", ErrInvalidDescriptor)
	}
	if r, ok := engine.(DescriptorResolver); ok {
		fd, err := r.ResolveDescriptor(dev)
		if err != nil {
			return -1, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
		}
		if fd < 0 {
			return -1, fmt.Errorf("%w: %d", ErrInvalidDescriptor, fd)
		}
		return fd, nil
	}

	raw := dev.Fd()
	if raw > math.MaxInt32 {
		// os.File reports ^uintptr(0) once closed
		return -1, fmt.Errorf("%w: descriptor %d out of range", ErrInvalidDescriptor, raw)
	}
	fd := int(raw)
	if err := checkDescriptor(fd); err != nil {
		return -1, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	return fd, nil
}

// statsFromCounters converts an engine counter reading, returning false when
// the reading is malformed.
func statsFromCounters(counters []uint64, err error) (Stats, bool) {
	if err != nil || len(counters) != 4 {
		return Stats{}, false
	}
	return Stats{
		TxBytes:   counters[0],
		RxBytes:   counters[1],
		TxPackets: counters[2],
		RxPackets: counters[3],
	}, true
}
