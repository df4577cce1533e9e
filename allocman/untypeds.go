package allocman

import (
	"fmt"

	"github.com/joshuapare/allocman/kobj"
)

// AddUntypeds hands externally discovered untyped regions to the utspace
// backend, then refills the reserves so the new memory can flow into them
// straight away, even when called from inside another operation.
func (m *Manager) AddUntypeds(uts []kobj.Untyped) error {
	if m.utspace == nil {
		return fmt.Errorf("add untypeds: %w", ErrNotAttached)
	}
	root := m.startOperation()
	defer m.endOperation(root)
	if err := m.utspace.AddUntypeds(m, uts); err != nil {
		return fmt.Errorf("add %d untypeds: %w", len(uts), err)
	}
	m.FillReserves()
	return nil
}

// DeviceObject is a device memory region already held as an untyped
// capability, such as the registers of a timer.
type DeviceObject struct {
	CPtr     kobj.CPtr
	SizeBits uint
	Paddr    uintptr
}

// AddDeviceUntypeds registers device regions as device untypeds, one at a
// time, stopping at the first failure.
func (m *Manager) AddDeviceUntypeds(objs []DeviceObject) error {
	for i, obj := range objs {
		ut := kobj.Untyped{
			Path:     m.CspaceMakePath(obj.CPtr),
			SizeBits: obj.SizeBits,
			Paddr:    obj.Paddr,
			Kind:     kobj.UTDevice,
		}
		if err := m.AddUntypeds([]kobj.Untyped{ut}); err != nil {
			m.log.Error("failed to add device untyped", "index", i, "paddr", obj.Paddr, "error", err)
			return err
		}
	}
	return nil
}
