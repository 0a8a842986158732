package power

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hashicorp/go-retryablehttp"

	"PowerSched/internal/pool"
)

func testRedfish(server *httptest.Server) (*Redfish, *pool.Machine) {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil

	r := &Redfish{
		client:   client,
		user:     "admin",
		password: "secret",
		systemID: "1",
		scheme:   "http",
	}
	m := &pool.Machine{
		Name:    "cpu1.htc.example.org",
		BMCHost: strings.TrimPrefix(server.URL, "http://"),
		Backend: "redfish",
	}
	return r, m
}

func TestRedfishState(t *testing.T) {
	tests := []struct {
		name       string
		powerState string
		wantOn     bool
	}{
		{"on", "On", true},
		{"off", "Off", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/redfish/v1/Systems/1" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				if user, pass, _ := r.BasicAuth(); user != "admin" || pass != "secret" {
					t.Errorf("missing basic auth")
				}
				fmt.Fprintf(w, `{"PowerState": %q}`, tt.powerState)
			}))
			defer server.Close()

			rf, m := testRedfish(server)
			on, err := rf.State(context.Background(), m)
			if err != nil {
				t.Fatalf("State failed: %v", err)
			}
			if on != tt.wantOn {
				t.Errorf("State = %v, want %v", on, tt.wantOn)
			}
		})
	}
}

func TestRedfishStateMissingPowerState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	rf, m := testRedfish(server)
	if _, err := rf.State(context.Background(), m); err == nil {
		t.Error("response without PowerState should error")
	}
}

func TestRedfishReset(t *testing.T) {
	var gotResetType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost ||
			r.URL.Path != "/redfish/v1/Systems/1/Actions/ComputerSystem.Reset" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			ResetType string `json:"ResetType"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad body: %v", err)
		}
		gotResetType = body.ResetType
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	rf, m := testRedfish(server)

	if err := rf.PowerOn(context.Background(), m); err != nil {
		t.Fatalf("PowerOn failed: %v", err)
	}
	if gotResetType != "On" {
		t.Errorf("PowerOn reset type = %q, want On", gotResetType)
	}

	if err := rf.PowerOff(context.Background(), m); err != nil {
		t.Fatalf("PowerOff failed: %v", err)
	}
	if gotResetType != "GracefulShutdown" {
		t.Errorf("PowerOff reset type = %q, want GracefulShutdown", gotResetType)
	}
}

func TestRedfishResetRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "no such system"}`, http.StatusNotFound)
	}))
	defer server.Close()

	rf, m := testRedfish(server)
	if err := rf.PowerOn(context.Background(), m); err == nil {
		t.Error("HTTP 404 should surface as an error")
	}
}
