package wipe

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Inventory answers questions about the block devices present on the host.
// Implementations are queried on every call; results are not cached.
type Inventory interface {
	// List returns every known disk with its partitions.
	List(ctx context.Context) ([]Device, error)

	// Exists reports whether path names a known disk or partition.
	Exists(ctx context.Context, path string) (bool, error)

	// Metadata returns the device record for path. Partitions inherit the
	// serial, model and type of their parent disk.
	Metadata(ctx context.Context, path string) (Device, error)
}

// lookup finds path among devices, resolving partitions to a Device that
// carries the parent's identity.
func lookup(devices []Device, path string) (Device, bool) {
	for _, d := range devices {
		if d.Path == path {
			return d, true
		}
		for _, p := range d.Partitions {
			if p.Path == path {
				return Device{
					Path:       p.Path,
					Model:      d.Model,
					Serial:     d.Serial,
					Size:       p.Size,
					Type:       d.Type,
					Rotational: d.Rotational,
					Transport:  d.Transport,
				}, true
			}
		}
	}
	return Device{}, false
}

// ── lsblk ────────────────────────────────────────────────────────────────

// LsblkInventory enumerates devices with `lsblk -J`.
type LsblkInventory struct {
	timeout time.Duration
	logger  *zap.Logger

	// run is replaceable for tests.
	run func(ctx context.Context) ([]byte, error)
}

// NewLsblkInventory returns an inventory backed by the host's lsblk binary.
func NewLsblkInventory(logger *zap.Logger) *LsblkInventory {
	if logger == nil {
		logger = zap.NewNop()
	}
	inv := &LsblkInventory{timeout: 5 * time.Second, logger: logger}
	inv.run = inv.exec
	return inv
}

func (l *LsblkInventory) exec(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "lsblk", "-J", "-o",
		"NAME,SIZE,TYPE,MODEL,SERIAL,ROTA,TRAN,MOUNTPOINT,FSTYPE,LABEL")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("lsblk command failed: %w", err)
	}
	return out, nil
}

// lsblkBool accepts both the JSON booleans of newer util-linux releases and
// the "0"/"1" strings of older ones.
type lsblkBool bool

func (b *lsblkBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	*b = lsblkBool(s == "1" || s == "true")
	return nil
}

type lsblkDevice struct {
	Name       string        `json:"name"`
	Size       string        `json:"size"`
	Type       string        `json:"type"`
	Model      string        `json:"model"`
	Serial     string        `json:"serial"`
	Rota       lsblkBool     `json:"rota"`
	Tran       string        `json:"tran"`
	Mountpoint string        `json:"mountpoint"`
	FSType     string        `json:"fstype"`
	Label      string        `json:"label"`
	Children   []lsblkDevice `json:"children"`
}

type lsblkOutput struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

// List implements Inventory.
func (l *LsblkInventory) List(ctx context.Context) ([]Device, error) {
	out, err := l.run(ctx)
	if err != nil {
		return nil, err
	}
	return parseLsblk(out)
}

// Exists implements Inventory.
func (l *LsblkInventory) Exists(ctx context.Context, path string) (bool, error) {
	devices, err := l.List(ctx)
	if err != nil {
		return false, err
	}
	_, ok := lookup(devices, path)
	return ok, nil
}

// Metadata implements Inventory.
func (l *LsblkInventory) Metadata(ctx context.Context, path string) (Device, error) {
	devices, err := l.List(ctx)
	if err != nil {
		return Device{}, err
	}
	d, ok := lookup(devices, path)
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", ErrInvalidTarget, path)
	}
	return d, nil
}

func parseLsblk(out []byte) ([]Device, error) {
	var data lsblkOutput
	if err := json.Unmarshal(out, &data); err != nil {
		return nil, fmt.Errorf("failed to parse lsblk output: %w", err)
	}

	var devices []Device
	for _, d := range data.Blockdevices {
		if d.Type != "disk" {
			continue
		}
		dev := Device{
			Path:       "/dev/" + d.Name,
			Model:      orDefault(strings.TrimSpace(d.Model), "Unknown"),
			Serial:     orDefault(strings.TrimSpace(d.Serial), "N/A"),
			Size:       d.Size,
			Type:       classify(d),
			Rotational: bool(d.Rota),
			Transport:  orDefault(d.Tran, "Unknown"),
		}
		for _, c := range d.Children {
			if c.Type != "part" && c.Type != "lvm" {
				continue
			}
			dev.Partitions = append(dev.Partitions, Partition{
				Path:       "/dev/" + c.Name,
				Size:       c.Size,
				Type:       c.Type,
				Mountpoint: c.Mountpoint,
				FSType:     c.FSType,
				Label:      c.Label,
			})
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// classify maps an lsblk record to HDD, SSD, USB or Virtual.
func classify(d lsblkDevice) string {
	name := strings.ToLower(d.Name)
	model := strings.ToLower(d.Model)

	switch {
	case strings.Contains(name, "loop"), strings.Contains(model, "virtual"),
		strings.Contains(model, "vbox"), strings.Contains(model, "vmware"):
		return "Virtual"
	case strings.EqualFold(d.Tran, "usb"):
		return "USB"
	case bool(d.Rota):
		return "HDD"
	case strings.Contains(model, "usb"), strings.Contains(model, "flash"):
		return "USB"
	}
	return "SSD"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// ── static ───────────────────────────────────────────────────────────────

// StaticInventory serves a fixed device list. It backs demo deployments and
// tests; Remove simulates a device being unplugged.
type StaticInventory struct {
	mu      sync.RWMutex
	devices []Device
}

// NewStaticInventory returns an inventory over devices.
func NewStaticInventory(devices []Device) *StaticInventory {
	return &StaticInventory{devices: devices}
}

// DemoDevices returns the device set used when no real inventory is configured.
func DemoDevices() []Device {
	return []Device{
		{
			Path: "/dev/sda", Model: "Samsung SSD 860 EVO", Serial: "S3Z9NB0M123456",
			Size: "500G", Type: "SSD", Transport: "sata",
			Partitions: []Partition{
				{Path: "/dev/sda1", Size: "500M", Type: "part", Mountpoint: "/boot/efi", FSType: "vfat", Label: "EFI"},
				{Path: "/dev/sda2", Size: "499.5G", Type: "part", Mountpoint: "/", FSType: "ext4", Label: "root"},
			},
		},
		{
			Path: "/dev/sdb", Model: "WDC WD10EZEX", Serial: "WD-WCC123456789",
			Size: "1T", Type: "HDD", Rotational: true, Transport: "sata",
			Partitions: []Partition{
				{Path: "/dev/sdb1", Size: "1T", Type: "part", Mountpoint: "/data", FSType: "ext4", Label: "DATA"},
			},
		},
		{
			Path: "/dev/sdc", Model: "SanDisk Ultra USB", Serial: "SD3210987654321",
			Size: "32G", Type: "USB", Transport: "usb",
			Partitions: []Partition{
				{Path: "/dev/sdc1", Size: "32G", Type: "part", FSType: "exfat", Label: "USB_DRIVE"},
			},
		},
		{
			Path: "/dev/vda", Model: "VirtIO Disk", Serial: "VIRT-DEMO-001",
			Size: "10G", Type: "Virtual", Transport: "virtio",
			Partitions: []Partition{
				{Path: "/dev/vda1", Size: "10G", Type: "part", FSType: "ext4", Label: "VIRTUAL"},
			},
		},
	}
}

// List implements Inventory.
func (s *StaticInventory) List(_ context.Context) ([]Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Device, len(s.devices))
	copy(out, s.devices)
	return out, nil
}

// Exists implements Inventory.
func (s *StaticInventory) Exists(_ context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := lookup(s.devices, path)
	return ok, nil
}

// Metadata implements Inventory.
func (s *StaticInventory) Metadata(_ context.Context, path string) (Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := lookup(s.devices, path)
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", ErrInvalidTarget, path)
	}
	return d, nil
}

// Remove drops the disk at path from the inventory.
func (s *StaticInventory) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.devices[:0:0]
	for _, d := range s.devices {
		if d.Path != path {
			kept = append(kept, d)
		}
	}
	s.devices = kept
}
