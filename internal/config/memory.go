package config

import "github.com/shirou/gopsutil/v3/mem"

// fallbackSystemMB is assumed when memory detection fails. The stock
// threshold ladder (256/512/1024 MB) is sized for a machine this big.
const fallbackSystemMB = 4096

func systemMemoryMB() int64 {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		return fallbackSystemMB
	}
	return int64(vm.Total / (1024 * 1024))
}

// applyMemoryDefaults sizes unset pressure thresholds from physical
// memory. Machines beyond 4 GB scale the ladder proportionally, capped
// at 4x so the engine never treats more than a quarter of a large box as
// low pressure.
func (g *GovernorConfig) applyMemoryDefaults(totalMB int64) {
	scale := float64(totalMB) / fallbackSystemMB
	if scale < 1 {
		scale = 1
	}
	if scale > 4 {
		scale = 4
	}

	if g.MemoryLowMB == 0 {
		g.MemoryLowMB = int(256 * scale)
	}
	if g.MemoryMediumMB == 0 {
		g.MemoryMediumMB = int(512 * scale)
	}
	if g.MemoryHighMB == 0 {
		g.MemoryHighMB = int(1024 * scale)
	}
}
