package device

import "log/slog"

// Resolve expands a device-selector bitmask into the list of devices that
// both have their bit set and activate successfully. Devices failing
// activation are dropped with a log line rather than failing the whole
// selection; an empty result is ErrNoneResolved.
func Resolve(rt Runtime, mask uint64, logger *slog.Logger) ([]Device, error) {
	var devs []Device

	for dev := Device(0); mask != 0; dev++ {
		if mask&1 != 0 {
			if err := rt.Activate(dev); err != nil {
				if logger != nil {
					logger.Info("failed to validate device", "device", int(dev), "error", err)
				}
			} else {
				devs = append(devs, dev)
			}
		}
		mask >>= 1
	}

	if len(devs) == 0 {
		return nil, ErrNoneResolved
	}

	return devs, nil
}
