// Package timer calibrates a cycles-per-10ms figure and provides a
// busy-wait delay built on it, grounded on
// original_source/kernel/arch/x86_64/timer/timer.c's
// calibrate_cpu_timing/cpu_wait_10ms cascade: try CPUID frequency
// detection first, fall back to polling the RTC's seconds register
// over a real one-second window, and fall back again to a hard-coded
// conservative estimate if both fail.
package timer

import (
	"kernelcore/internal/arch"
	"kernelcore/internal/klog"
)

const (
	cmosAddress = 0x70
	cmosData    = 0x71

	rtcSeconds   = 0x00
	rtcRegisterA = 0x0A

	rtcUpdateInProgress = 0x80

	// conservativeCyclesPer10ms is the known_freqs fallback original_source
	// lands on when both CPUID and RTC calibration fail: a 2.4GHz
	// estimate (24_000_000 cycles / 10ms).
	conservativeCyclesPer10ms = 24_000_000

	// rtcSanityMin/Max bound a plausible cycles/10ms figure obtained from
	// RTC calibration; outside this range the result is distrusted and
	// the known-frequency fallback is used instead.
	rtcSanityMin = 1_000_000
	rtcSanityMax = 100_000_000
)

// Calibrator holds the calibrated cycles-per-10ms figure and the means
// to (re-)derive it. Zero value is uncalibrated.
type Calibrator struct {
	cyclesPer10ms uint64
}

// Calibrated reports whether calibration has already run.
func (c *Calibrator) Calibrated() bool { return c.cyclesPer10ms != 0 }

// CyclesPer10ms returns the calibrated figure, calibrating first if
// necessary, mirroring cpu_wait_10ms's lazy-calibrate-on-first-use
// behavior.
func (c *Calibrator) CyclesPer10ms() uint64 {
	if c.cyclesPer10ms == 0 {
		c.Calibrate()
	}
	return c.cyclesPer10ms
}

// cpuFrequencyMHzFn is overridden in tests to force the CPUID path to
// fail (return 0) without depending on what the host CPU's actual
// CPUID leaves report, so the RTC and known-frequency fallbacks are
// reachable deterministically.
var cpuFrequencyMHzFn = cpuFrequencyMHz

// calibrateWithRTCFn is likewise overridden in tests, since the real
// calibrateWithRTC busy-waits on real wall-clock seconds via RTC I/O
// hooks — too slow to run in a unit test loop.
var calibrateWithRTCFn = calibrateWithRTC

// Calibrate runs the three-tier cascade once. Safe to call more than
// once (e.g. to force recalibration by zeroing cyclesPer10ms first),
// but CyclesPer10ms only ever calls it lazily.
func (c *Calibrator) Calibrate() {
	klog.Info("=== CPU Timing Calibration ===")

	if mhz := cpuFrequencyMHzFn(); mhz > 0 {
		c.cyclesPer10ms = mhz * 10_000
		klog.Info("CPUID calibration: " + klog.Uint(mhz) + " MHz CPU = " +
			klog.Uint(c.cyclesPer10ms) + " cycles per 10ms")
		return
	}

	klog.Warn("CPUID frequency detection failed, trying RTC...")
	if cycles := calibrateWithRTCFn(); cycles >= rtcSanityMin && cycles <= rtcSanityMax {
		c.cyclesPer10ms = cycles
		klog.Success("RTC calibration successful")
		return
	}

	klog.Warn("RTC calibration failed, using known frequency estimate...")
	c.cyclesPer10ms = conservativeCyclesPer10ms
	klog.Info("Using conservative estimate: " + klog.Uint(c.cyclesPer10ms) + " cycles per 10ms")
}

// cpuFrequencyMHz mirrors get_cpu_frequency_mhz: leaf 0x80000007 warns
// (but does not abort) if the invariant TSC bit is clear, leaf 0x15
// yields (ecx*ebx)/eax Hz when all three are nonzero, and leaf 0x16
// yields a base frequency in MHz directly as a last CPUID-based try.
func cpuFrequencyMHz() uint64 {
	_, _, _, edx := arch.Cpuid(0x80000007)
	if edx&(1<<8) == 0 {
		klog.Warn("TSC may still work but it isn't reliable")
	}

	eax, ebx, ecx, _ := arch.Cpuid(0x15)
	if eax != 0 && ebx != 0 && ecx != 0 {
		tscFreq := (uint64(ecx) * uint64(ebx)) / uint64(eax)
		return tscFreq / 1_000_000
	}

	eax, _, _, _ = arch.Cpuid(0x16)
	if eax != 0 {
		return uint64(eax)
	}

	return 0
}

func ioWait() {
	arch.Outb(0x80, 0)
}

func readRTCRegister(reg uint8) uint8 {
	arch.Outb(cmosAddress, reg)
	ioWait()
	return arch.Inb(cmosData)
}

// calibrateWithRTC mirrors calibrate_with_rtc: wait out any in-progress
// update, wait for the seconds register to tick over once to land on a
// second boundary, then measure TSC cycles across exactly one more
// full second of RTC ticks.
func calibrateWithRTC() uint64 {
	for readRTCRegister(rtcRegisterA)&rtcUpdateInProgress != 0 {
	}

	startSecond := readRTCRegister(rtcSeconds)
	current := startSecond
	for current == startSecond {
		current = readRTCRegister(rtcSeconds)
	}

	startCycles := arch.Rdtsc()
	startSecond = current
	for current == startSecond {
		current = readRTCRegister(rtcSeconds)
	}
	endCycles := arch.Rdtsc()

	cyclesPerSecond := endCycles - startCycles
	return cyclesPerSecond / 100
}

// Wait10ms busy-waits roughly 10ms using the calibrated TSC figure,
// mirroring cpu_wait_10ms, pausing the pipeline each spin iteration.
func (c *Calibrator) Wait10ms() {
	target := arch.Rdtsc() + c.CyclesPer10ms()
	for arch.Rdtsc() < target {
		arch.Pause()
	}
}
