// SPDX-License-Identifier: AGPL3.0-or-later

package introspect

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"meshnet/config"
	"meshnet/typed"
)

func newServer() (*Server, *typed.Network) {
	n := typed.NewNetwork(config.Defaults())
	return NewServer(n, "127.0.0.1:0"), n
}

func TestSelfEndpoint(t *testing.T) {
	s, n := newServer()

	req := httptest.NewRequest(http.MethodGet, "/self", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["id"] != n.Self().String() {
		t.Fatalf("got %v", body)
	}
	if body["running"] != false {
		t.Fatal("endpoint not awoken must report running=false")
	}
}

func TestPeersEndpointEmpty(t *testing.T) {
	s, _ := newServer()

	req := httptest.NewRequest(http.MethodGet, "/peers", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body []PeerInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body) != 0 {
		t.Fatalf("got %v", body)
	}
}

func TestRPCSelf(t *testing.T) {
	s, n := newServer()

	call := `{"jsonrpc":"1.0","method":"Admin.Self","params":[{}],"id":1}`
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(call))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Result SelfReply `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Result.ID != n.Self().String() {
		t.Fatalf("got %+v", resp.Result)
	}
}

func TestRPCDisconnectUnknownPeer(t *testing.T) {
	s, _ := newServer()

	call := `{"jsonrpc":"1.0","method":"Admin.Disconnect","params":[{"peer":"not-a-known-id"}],"id":2}`
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(call))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	var resp struct {
		Result DisconnectReply `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Result.Known {
		t.Fatal("unknown peer reported as known")
	}
}
