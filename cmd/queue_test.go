package cmd

import (
	"bytes"
	"testing"
)

func TestPrintJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"object", `{"udid":"UDID-A","os_version":"17.4"}`, "{\n  \"udid\": \"UDID-A\",\n  \"os_version\": \"17.4\"\n}\n"},
		{"not json", "queue empty", "queue empty\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := printJSON(&buf, []byte(tt.raw)); err != nil {
				t.Fatal(err)
			}
			if buf.String() != tt.want {
				t.Errorf("printJSON() = %q, want %q", buf.String(), tt.want)
			}
		})
	}
}
