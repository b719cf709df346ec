// SPDX-License-Identifier: AGPL3.0-or-later

// Package introspect exposes a read-mostly admin surface over a
// running mesh endpoint: plain HTTP endpoints for quick inspection
// and a JSON-RPC endpoint for tooling. It is optional; a node that
// never starts it carries no HTTP listener.
package introspect

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/bfix/gospel/logger"
	"github.com/gorilla/mux"
	"github.com/gorilla/rpc"
	rpcjson "github.com/gorilla/rpc/json"

	"meshnet/peer"
	"meshnet/typed"
)

// PeerInfo is the externally visible projection of one member.
type PeerInfo struct {
	ID       string `json:"id"`
	Address  string `json:"address,omitempty"`
	Port     uint16 `json:"port"`
	Distance uint8  `json:"distance"`
	Direct   bool   `json:"direct"`
}

func peerInfo(p peer.Peer) PeerInfo {
	addr := ""
	if p.Address != nil {
		addr = p.Address.String()
	}
	return PeerInfo{
		ID:       p.ID.String(),
		Address:  addr,
		Port:     p.ListenPort,
		Distance: p.Distance,
		Direct:   p.Neighbor(),
	}
}

// Server serves the admin surface for one mesh endpoint.
type Server struct {
	n   *typed.Network
	srv *http.Server
}

// NewServer builds the admin server for n, listening on addr once
// Start is called.
func NewServer(n *typed.Network, addr string) *Server {
	s := &Server{n: n}

	r := mux.NewRouter()
	r.HandleFunc("/self", s.handleSelf).Methods(http.MethodGet)
	r.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)

	js := rpc.NewServer()
	js.RegisterCodec(rpcjson.NewCodec(), "application/json")
	if err := js.RegisterService(&Admin{n: n}, "Admin"); err != nil {
		logger.Printf(logger.ERROR, "[introspect] service registration failed: %s", err)
	}
	r.Handle("/rpc", js)

	s.srv = &http.Server{
		Handler:      r,
		Addr:         addr,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}
	return s
}

// Start runs the HTTP listener until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf(logger.WARN, "[introspect] server listen failed: %s", err)
		}
	}()
	go func() {
		<-ctx.Done()
		if err := s.srv.Shutdown(context.Background()); err != nil {
			logger.Printf(logger.WARN, "[introspect] server shutdown failed: %s", err)
		}
	}()
}

func (s *Server) handleSelf(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"id":      s.n.Self().String(),
		"port":    s.n.Port(),
		"running": s.n.IsRunning(),
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := s.n.Peers()
	out := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, peerInfo(p))
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Printf(logger.WARN, "[introspect] response encoding failed: %s", err)
	}
}

// Admin is the JSON-RPC service: the same data as the plain endpoints
// plus the one mutating operation, dropping a peer.
type Admin struct {
	n *typed.Network
}

// NoArgs is the empty argument struct for parameterless calls.
type NoArgs struct{}

// PeersReply carries the membership snapshot.
type PeersReply struct {
	Peers []PeerInfo `json:"peers"`
}

// Peers returns the current membership table.
func (a *Admin) Peers(r *http.Request, args *NoArgs, reply *PeersReply) error {
	peers := a.n.Peers()
	reply.Peers = make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		reply.Peers = append(reply.Peers, peerInfo(p))
	}
	return nil
}

// SelfReply describes the local endpoint.
type SelfReply struct {
	ID      string `json:"id"`
	Port    uint16 `json:"port"`
	Running bool   `json:"running"`
}

// Self returns the local endpoint's identity.
func (a *Admin) Self(r *http.Request, args *NoArgs, reply *SelfReply) error {
	reply.ID = a.n.Self().String()
	reply.Port = a.n.Port()
	reply.Running = a.n.IsRunning()
	return nil
}

// DisconnectArgs names the peer to drop.
type DisconnectArgs struct {
	Peer string `json:"peer"`
}

// DisconnectReply reports whether the peer was known.
type DisconnectReply struct {
	Known bool `json:"known"`
}

// Disconnect closes the connection to one peer by id.
func (a *Admin) Disconnect(r *http.Request, args *DisconnectArgs, reply *DisconnectReply) error {
	for _, p := range a.n.Peers() {
		if p.ID.String() == args.Peer {
			a.n.DisconnectPeer(p.ID)
			reply.Known = true
			return nil
		}
	}
	return nil
}
