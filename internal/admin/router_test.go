package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vmtap/loader/internal/vm"
)

func TestHandleHealthz(t *testing.T) {
	srv := NewServer(nil)
	r := NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want %q", body["status"], "ok")
	}
}

func TestHandleDebugVarsNilModule(t *testing.T) {
	srv := NewServer(nil)
	r := NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/debug/vars", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body struct {
		License  string `json:"license"`
		Programs []any  `json:"programs"`
		Maps     []any  `json:"maps"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.License != "" || len(body.Programs) != 0 || len(body.Maps) != 0 {
		t.Errorf("expected empty report for a nil module, got %+v", body)
	}
}

func TestHandleDebugVarsReportsModule(t *testing.T) {
	module := &vm.Module{
		License: "GPL",
		Programs: []*vm.Program{
			{Kind: vm.KindEntryProbe, Name: "watch_open"},
		},
		Maps: []*vm.Map{
			{Name: "events", Type: vm.MapTypePerfEventArray, MaxEntries: 4096},
		},
	}
	srv := NewServer(module)
	r := NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/debug/vars", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var body struct {
		License  string `json:"license"`
		Programs []struct {
			Name     string `json:"name"`
			Kind     string `json:"kind"`
			Loaded   bool   `json:"loaded"`
			Attached bool   `json:"attached"`
		} `json:"programs"`
		Maps []struct {
			Name       string `json:"name"`
			MaxEntries uint32 `json:"max_entries"`
		} `json:"maps"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}

	if body.License != "GPL" {
		t.Errorf("license = %q, want GPL", body.License)
	}
	if len(body.Programs) != 1 || body.Programs[0].Name != "watch_open" || body.Programs[0].Kind != "entry-probe" {
		t.Errorf("programs = %+v", body.Programs)
	}
	if body.Programs[0].Loaded || body.Programs[0].Attached {
		t.Errorf("unloaded program reported as loaded/attached: %+v", body.Programs[0])
	}
	if len(body.Maps) != 1 || body.Maps[0].Name != "events" || body.Maps[0].MaxEntries != 4096 {
		t.Errorf("maps = %+v", body.Maps)
	}
}
