package mdm

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
)

type fakeLister struct {
	devices []Device
	err     error
}

func (f *fakeLister) Devices(ctx context.Context) ([]Device, error) {
	return f.devices, f.err
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestDirectory_RefreshesCache(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "state", "devices.csv")
	lister := &fakeLister{devices: []Device{{UDID: "U1", Serial: "S1"}, {UDID: "U2", Serial: "S2"}}}
	dir := NewDirectory(lister, cache, quietLogger())

	devices, cached, err := dir.List(context.Background())
	if err != nil || cached || len(devices) != 2 {
		t.Fatalf("List() = %v, %v, %v", devices, cached, err)
	}

	data, err := os.ReadFile(cache)
	if err != nil {
		t.Fatalf("cache not written: %v", err)
	}
	if string(data) != "U1,S1\nU2,S2\n" {
		t.Errorf("cache = %q", data)
	}

	// Server goes away: the cached copy is served.
	lister.err = errors.New("connection refused")
	lister.devices = nil
	devices, cached, err = dir.List(context.Background())
	if err != nil {
		t.Fatalf("List() from cache error = %v", err)
	}
	if !cached || len(devices) != 2 || devices[1] != (Device{UDID: "U2", Serial: "S2"}) {
		t.Errorf("List() from cache = %v, cached=%v", devices, cached)
	}
}

func TestDirectory_CacheSkipsIncompleteRows(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "devices.csv")
	os.WriteFile(cache, []byte("U1,S1\n,S2\nU3\nU4, S4 \n"), 0o600)

	dir := NewDirectory(&fakeLister{err: errors.New("down")}, cache, quietLogger())
	devices, _, err := dir.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []Device{{UDID: "U1", Serial: "S1"}, {UDID: "U4", Serial: "S4"}}
	if len(devices) != len(want) {
		t.Fatalf("List() = %v, want %v", devices, want)
	}
	for i := range want {
		if devices[i] != want[i] {
			t.Errorf("device %d = %v, want %v", i, devices[i], want[i])
		}
	}
}

func TestDirectory_NoCache(t *testing.T) {
	serverErr := errors.New("down")

	dir := NewDirectory(&fakeLister{err: serverErr}, "", quietLogger())
	if _, _, err := dir.List(context.Background()); !errors.Is(err, serverErr) {
		t.Errorf("List() without cache error = %v", err)
	}

	missing := filepath.Join(t.TempDir(), "missing.csv")
	dir = NewDirectory(&fakeLister{err: serverErr}, missing, quietLogger())
	_, _, err := dir.List(context.Background())
	if !errors.Is(err, serverErr) || !errors.Is(err, os.ErrNotExist) {
		t.Errorf("List() with missing cache error = %v", err)
	}
}

func TestSelect(t *testing.T) {
	devices := []Device{
		{UDID: "UDID-A", Serial: "F4KXA1"},
		{UDID: "UDID-B", Serial: "F4KXB2"},
		{UDID: "UDID-C", Serial: "DMPQC3"},
	}
	tests := []struct {
		name        string
		selectors   []string
		wantUDIDs   []string
		wantUnknown []string
	}{
		{"by udid", []string{"UDID-B"}, []string{"UDID-B"}, nil},
		{"by serial any case", []string{"dmpqc3"}, []string{"UDID-C"}, nil},
		{"keeps order", []string{"UDID-C", "F4KXA1"}, []string{"UDID-C", "UDID-A"}, nil},
		{"dedupes", []string{"UDID-A", "F4KXA1"}, []string{"UDID-A"}, nil},
		{"unknown reported", []string{"nope", "UDID-A", " "}, []string{"UDID-A"}, []string{"nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			selected, unknown := Select(devices, tt.selectors)
			got := UDIDs(selected)
			if len(got) != len(tt.wantUDIDs) {
				t.Fatalf("selected = %v, want %v", got, tt.wantUDIDs)
			}
			for i := range got {
				if got[i] != tt.wantUDIDs[i] {
					t.Errorf("selected[%d] = %q, want %q", i, got[i], tt.wantUDIDs[i])
				}
			}
			if len(unknown) != len(tt.wantUnknown) {
				t.Errorf("unknown = %v, want %v", unknown, tt.wantUnknown)
			}
		})
	}
}

func TestFilter(t *testing.T) {
	devices := []Device{{UDID: "A", Serial: "F4KXA1"}, {UDID: "B", Serial: "DMPQB2"}}
	if got := Filter(devices, "f4k"); len(got) != 1 || got[0].UDID != "A" {
		t.Errorf("Filter(f4k) = %v", got)
	}
	if got := Filter(devices, ""); len(got) != 2 {
		t.Errorf("Filter(\"\") = %v", got)
	}
}
