package mdm

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakePusher struct {
	err   error
	calls int
}

func (f *fakePusher) Push(ctx context.Context, udid string) error {
	f.calls++
	return f.err
}

func TestWaker(t *testing.T) {
	pushErr := errors.New("http 500")
	tests := []struct {
		name     string
		pushErr  error
		tool     string
		toolErr  error
		wantErr  bool
		wantTool bool
	}{
		{"push succeeds", nil, "mdmctl", nil, false, false},
		{"falls back to tool", pushErr, "mdmctl", nil, false, true},
		{"both fail", pushErr, "mdmctl", errors.New("exit status 1"), true, true},
		{"no fallback configured", pushErr, "", nil, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pusher := &fakePusher{err: tt.pushErr}
			w := NewWaker(pusher, tt.tool, quietLogger())

			var ran []string
			w.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
				ran = append([]string{name}, args...)
				return []byte("push output"), tt.toolErr
			}

			err := w.Wake(context.Background(), "UDID-1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Wake() error = %v, wantErr %v", err, tt.wantErr)
			}
			if pusher.calls != 1 {
				t.Errorf("push calls = %d, want 1", pusher.calls)
			}
			if tt.wantTool != (ran != nil) {
				t.Fatalf("tool ran = %v, want %v", ran, tt.wantTool)
			}
			if ran != nil && strings.Join(ran, " ") != "mdmctl push UDID-1" {
				t.Errorf("tool invocation = %v", ran)
			}
			if err != nil && tt.toolErr != nil && !strings.Contains(err.Error(), "push output") {
				t.Errorf("error %q does not carry tool output", err)
			}
		})
	}
}
