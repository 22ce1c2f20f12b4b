package mdm

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// Lister fetches the live device list.
type Lister interface {
	Devices(ctx context.Context) ([]Device, error)
}

// Directory lists devices from the server and keeps a CSV copy (udid,serial per row)
// to fall back on when the server cannot be reached.
type Directory struct {
	lister    Lister
	cachePath string
	logger    *log.Logger
}

// NewDirectory creates a directory. An empty cachePath disables the cache.
func NewDirectory(lister Lister, cachePath string, logger *log.Logger) *Directory {
	if logger == nil {
		logger = log.Default()
	}
	return &Directory{lister: lister, cachePath: cachePath, logger: logger}
}

// List returns the device list. It reports whether the result came from the cache.
func (d *Directory) List(ctx context.Context) ([]Device, bool, error) {
	devices, err := d.lister.Devices(ctx)
	if err == nil {
		if d.cachePath != "" {
			if werr := writeCache(d.cachePath, devices); werr != nil {
				d.logger.Printf("Failed to update device cache: %v", werr)
			}
		}
		return devices, false, nil
	}
	if d.cachePath == "" {
		return nil, false, err
	}

	d.logger.Printf("Failed to fetch devices from server, using cache %s: %v", d.cachePath, err)
	cached, cerr := readCache(d.cachePath)
	if cerr != nil {
		return nil, false, errors.Join(err, cerr)
	}
	return cached, true, nil
}

func writeCache(path string, devices []Device) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".devices-*.csv")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	for _, dev := range devices {
		if err := w.Write([]string{dev.UDID, dev.Serial}); err != nil {
			tmp.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readCache(path string) ([]Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("device cache unavailable: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var devices []Device
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("device cache %s: %w", path, err)
		}
		if len(row) < 2 {
			continue
		}
		udid, serial := strings.TrimSpace(row[0]), strings.TrimSpace(row[1])
		if udid == "" || serial == "" {
			continue
		}
		devices = append(devices, Device{UDID: udid, Serial: serial})
	}
	return devices, nil
}

// Select resolves selectors (UDIDs or serial numbers, case-insensitive) against
// devices, keeping selector order and dropping duplicates. Selectors that match
// nothing are returned in unknown.
func Select(devices []Device, selectors []string) (selected []Device, unknown []string) {
	seen := make(map[string]bool)
	for _, sel := range selectors {
		sel = strings.TrimSpace(sel)
		if sel == "" {
			continue
		}
		found := false
		for _, dev := range devices {
			if strings.EqualFold(dev.UDID, sel) || strings.EqualFold(dev.Serial, sel) {
				found = true
				if !seen[dev.UDID] {
					seen[dev.UDID] = true
					selected = append(selected, dev)
				}
				break
			}
		}
		if !found {
			unknown = append(unknown, sel)
		}
	}
	return selected, unknown
}

// Filter keeps devices whose serial number contains keyword, case-insensitive.
func Filter(devices []Device, keyword string) []Device {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" {
		return devices
	}
	var out []Device
	for _, dev := range devices {
		if strings.Contains(strings.ToLower(dev.Serial), keyword) {
			out = append(out, dev)
		}
	}
	return out
}

// UDIDs returns the device identifiers in order.
func UDIDs(devices []Device) []string {
	out := make([]string, len(devices))
	for i, dev := range devices {
		out[i] = dev.UDID
	}
	return out
}
