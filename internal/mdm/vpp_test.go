package mdm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestVPP_AssignLicenses(t *testing.T) {
	var got vppAssignRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"status":0}`))
	}))
	defer server.Close()

	v := NewVPP(server.URL, nil)
	err := v.AssignLicenses(context.Background(), "stoken", "361309726", []string{"C02AAA", "C02BBB"})
	if err != nil {
		t.Fatalf("AssignLicenses() error = %v", err)
	}
	if got.SToken != "stoken" || got.AdamIDStr != "361309726" {
		t.Errorf("request = %+v", got)
	}
	if len(got.AssociateSerialNumbers) != 2 || got.AssociateSerialNumbers[1] != "C02BBB" {
		t.Errorf("serials = %v", got.AssociateSerialNumbers)
	}
}

func TestVPP_AssignLicensesFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "error in body",
			status: http.StatusOK,
			body:   `{"status":-1,"errorNumber":9632,"errorMessage":"Too many recent calls"}`,
			check: func(t *testing.T, err error) {
				var vppErr *VPPError
				if !errors.As(err, &vppErr) || vppErr.Number != 9632 {
					t.Errorf("error = %v, want VPPError 9632", err)
				}
			},
		},
		{
			name:   "http status",
			status: http.StatusInternalServerError,
			body:   "boom",
			check: func(t *testing.T, err error) {
				var statusErr *StatusError
				if !errors.As(err, &statusErr) || statusErr.Code != http.StatusInternalServerError {
					t.Errorf("error = %v, want StatusError 500", err)
				}
			},
		},
		{
			name:   "malformed body",
			status: http.StatusOK,
			body:   "<html>",
			check: func(t *testing.T, err error) {
				if err == nil {
					t.Error("expected decode error")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			err := NewVPP(server.URL, nil).AssignLicenses(context.Background(), "stoken", "1", []string{"C02AAA"})
			tt.check(t, err)
		})
	}
}

func TestVPP_AssignLicensesNoRequest(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()
	v := NewVPP(server.URL, nil)

	if err := v.AssignLicenses(context.Background(), "stoken", "1", nil); err != nil {
		t.Errorf("no serials: error = %v", err)
	}
	if err := v.AssignLicenses(context.Background(), "", "1", []string{"C02AAA"}); err == nil {
		t.Error("empty token: expected error")
	}
	if calls != 0 {
		t.Errorf("server called %d time(s)", calls)
	}
}

func TestNewVPP_DefaultURL(t *testing.T) {
	if v := NewVPP("", nil); v.url != DefaultVPPURL {
		t.Errorf("url = %q", v.url)
	}
}

func TestParseAppID(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"361309726", "361309726", false},
		{" 361309726\n", "361309726", false},
		{"https://apps.apple.com/us/app/pages/id361309726", "361309726", false},
		{"https://apps.apple.com/us/app/pages/id361309726?l=en&mt=8", "361309726", false},
		{"https://apps.apple.com/app/id361309726/", "361309726", false},
		{"https://apps.apple.com/us/app/pages", "", true},
		{"pages", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAppID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAppID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseAppID(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadVPPToken(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "sToken.vpptoken")
	os.WriteFile(good, []byte("  eyJ0b2tlbiI6ImFiYyJ9\n"), 0600)
	empty := filepath.Join(dir, "empty.vpptoken")
	os.WriteFile(empty, []byte("\n"), 0600)

	token, err := LoadVPPToken(good)
	if err != nil || token != "eyJ0b2tlbiI6ImFiYyJ9" {
		t.Errorf("LoadVPPToken() = %q, %v", token, err)
	}
	if _, err := LoadVPPToken(empty); err == nil {
		t.Error("empty token file: expected error")
	}
	if _, err := LoadVPPToken(filepath.Join(dir, "missing")); err == nil {
		t.Error("missing file: expected error")
	}
}
