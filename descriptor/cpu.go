package descriptor

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/cpu"
)

// HasHardwarePopcount reports whether the CPU can count bits in one instruction,
// which bounds how fast Hamming runs.
func HasHardwarePopcount() bool {
	return cpu.X86.HasPOPCNT || cpu.ARM64.HasASIMD
}

// LogCPUFeatures logs the popcount capability once at startup.
func LogCPUFeatures() {
	if HasHardwarePopcount() {
		log.Debug().Msg("Hardware popcount available for Hamming distance")
		return
	}
	log.Warn().Msg("No hardware popcount; Hamming distance falls back to table lookups")
}
