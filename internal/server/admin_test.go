package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/wsroute/internal/router"
	"github.com/Tyrowin/wsroute/internal/testhelpers"
)

func postSend(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/admin/send", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /admin/send failed: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAdminListClients(t *testing.T) {
	h := newTestHub(t, nil)
	srv, wsURL := newTestServer(t, h)

	testhelpers.MustConnect(t, wsURL, "team1", "alice")
	testhelpers.MustConnect(t, wsURL, "", "")
	waitForClients(t, h, 2)

	resp, err := http.Get(srv.URL + "/admin/clients")
	if err != nil {
		t.Fatalf("GET /admin/clients failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body clientsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 2 || len(body.Clients) != 2 {
		t.Errorf("count = %d clients = %d", body.Count, len(body.Clients))
	}
	if len(body.Groups) != 2 || body.Groups[1].Group != "team1" || body.Groups[1].Count != 1 {
		t.Errorf("groups = %+v", body.Groups)
	}
}

func TestAdminSend(t *testing.T) {
	h := newTestHub(t, nil)
	srv, wsURL := newTestServer(t, h)

	a := testhelpers.MustConnect(t, wsURL, "team1", "")
	testhelpers.MustConnect(t, wsURL, "", "")
	waitForClients(t, h, 2)

	resp := postSend(t, srv, `{"target":"team1","message":"from admin"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var report router.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Target != "group:team1" || report.Resolved != 1 || report.Delivered != 1 || len(report.Failed) != 0 {
		t.Errorf("report = %+v", report)
	}
	if got := testhelpers.ReadText(t, a, 2*time.Second); got != "from admin" {
		t.Errorf("received %q", got)
	}
}

func TestAdminSendBadRequests(t *testing.T) {
	h := newTestHub(t, nil)
	srv, _ := newTestServer(t, h)

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"target":`},
		{name: "unknown field", body: `{"target":"all","message":"x","extra":1}`},
		{name: "empty target", body: `{"target":"  ","message":"x"}`},
		{name: "empty message", body: `{"target":"all","message":""}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postSend(t, srv, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
			}
			var body errorResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
				t.Errorf("expected an error body, got %+v (%v)", body, err)
			}
		})
	}
}

func TestAdminDisabled(t *testing.T) {
	h := newTestHub(t, nil)
	srv := httptest.NewServer(SetupRoutes(h, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/admin/clients")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when admin is disabled", resp.StatusCode)
	}
}
