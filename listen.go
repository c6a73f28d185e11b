package gateway

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/devolutions/gateway-go/internal/registry"
	"github.com/devolutions/gateway-go/internal/wsconn"
)

// ListenAndServe opens the TCP listener at cfg.ListenAddr and accepts
// connections until the Server is closed (Close closes the listener, whose
// Accept then fails with net.ErrClosed). It returns nil on a clean shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.tcpListener = ln
	s.log.Info().Str("addr", ln.Addr().String()).Msg("tcp listener started")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn().Err(err).Msg("tcp accept failed")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn, registry.TransportTCP)
		}()
	}
}

// ListenAndServeWS opens the WebSocket listener at cfg.ListenAddrWS, if
// configured. Every accepted WebSocket is handed to the same dispatcher as
// a raw TCP connection would be (spec.md §4.5 treats "TCP or WebSocket"
// identically past the listener), tagged TransportWS so a rendezvous
// candidate records the transport kind it actually arrived on.
func (s *Server) ListenAndServeWS() error {
	if s.cfg.ListenAddrWS == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsconn.Accept(w, r, nil)
		if err != nil {
			s.log.Debug().Err(err).Msg("ws accept failed")
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn, registry.TransportWS)
		}()
	})

	srv := &http.Server{Addr: s.cfg.ListenAddrWS, Handler: mux}
	s.wsServer = srv

	s.log.Info().Str("addr", s.cfg.ListenAddrWS).Msg("ws listener started")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
