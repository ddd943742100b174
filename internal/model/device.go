package model

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
)

// Device is a compute device the model can be placed on.
type Device string

const (
	DeviceAuto Device = "auto"
	DeviceCUDA Device = "cuda"
	DeviceMPS  Device = "mps"
	DeviceCPU  Device = "cpu"
)

// preference is the order tried when no override is given.
var preference = []Device{DeviceCUDA, DeviceMPS, DeviceCPU}

// DeviceProbe reports which devices exist on this host and how much memory
// each one has.
type DeviceProbe interface {
	Available(d Device) bool
	MemoryBytes(d Device) (uint64, error)
}

// ParseDevice normalises a device name from configuration. Unknown values
// are treated as auto.
func ParseDevice(s string) Device {
	switch Device(strings.ToLower(strings.TrimSpace(s))) {
	case DeviceCUDA:
		return DeviceCUDA
	case DeviceMPS:
		return DeviceMPS
	case DeviceCPU:
		return DeviceCPU
	}
	return DeviceAuto
}

// BestDevice picks the device the model should live on. An explicit override
// wins when the device is present. Otherwise accelerators are preferred in
// the order cuda, mps, cpu.
func BestDevice(override string, probe DeviceProbe) Device {
	want := ParseDevice(override)
	if want != DeviceAuto {
		if probe.Available(want) {
			return want
		}
		log.Printf("model: requested device %s is not available, selecting automatically", want)
	}
	for _, d := range preference {
		if probe.Available(d) {
			return d
		}
	}
	return DeviceCPU
}

// SystemProbe inspects the host. CUDA is detected through nvidia-smi,
// unified memory through the platform, and system memory through gopsutil.
type SystemProbe struct {
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewSystemProbe creates a probe backed by the real host.
func NewSystemProbe() *SystemProbe {
	return &SystemProbe{run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

func (p *SystemProbe) Available(d Device) bool {
	switch d {
	case DeviceCUDA:
		_, err := p.cudaMemory()
		return err == nil
	case DeviceMPS:
		return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
	case DeviceCPU:
		return true
	}
	return false
}

func (p *SystemProbe) MemoryBytes(d Device) (uint64, error) {
	switch d {
	case DeviceCUDA:
		return p.cudaMemory()
	case DeviceMPS:
		vm, err := mem.VirtualMemory()
		if err != nil {
			return 0, fmt.Errorf("failed to read unified memory: %w", err)
		}
		return vm.Total, nil
	case DeviceCPU:
		vm, err := mem.VirtualMemory()
		if err != nil {
			return 0, fmt.Errorf("failed to read system memory: %w", err)
		}
		return vm.Available, nil
	}
	return 0, fmt.Errorf("unknown device %q", d)
}

// cudaMemory returns the total memory of the first GPU.
func (p *SystemProbe) cudaMemory() (uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := p.run(ctx, "nvidia-smi", "--query-gpu=memory.total", "--format=csv,noheader,nounits")
	if err != nil {
		return 0, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseGPUMemory(out)
}

// parseGPUMemory reads the first line of nvidia-smi output, in MiB.
func parseGPUMemory(out []byte) (uint64, error) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		mib, err := strconv.ParseUint(line, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("unexpected nvidia-smi output %q: %w", line, err)
		}
		return mib * 1024 * 1024, nil
	}
	return 0, fmt.Errorf("nvidia-smi reported no GPUs")
}
