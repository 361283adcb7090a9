// duskd is a PSK-secured datagram echo server: a single UDP socket
// multiplexing any number of peers through one protocol context.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/duskmesh/duskmesh/pkg/api"
	"github.com/duskmesh/duskmesh/pkg/config"
	"github.com/duskmesh/duskmesh/pkg/dtls"
	"github.com/duskmesh/duskmesh/pkg/keystore"
	"github.com/duskmesh/duskmesh/pkg/logging"
)

var version = "0.1.0"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:     "duskd",
		Short:   "DTLS-PSK datagram echo server",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				var err error
				if cfg, err = config.Load(configPath); err != nil {
					return err
				}
			}
			return run(cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// inbound is one datagram as read off the socket
type inbound struct {
	sess dtls.Session
	data []byte
}

// server owns the socket, the protocol context, and the single goroutine
// allowed to touch it.
type server struct {
	cfg   *config.Config
	log   *logging.Logger
	conn  *net.UDPConn
	store keystore.Store

	ctx *dtls.Context

	startedAt time.Time

	// stats snapshot shared with the management API
	statsMu             sync.RWMutex
	stats               api.Stats
	handshakesCompleted uint64
	handshakesFailed    uint64
	recordsDelivered    uint64
	bytesDelivered      uint64
}

func run(cfg *config.Config) error {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	log, err := logging.NewLogger("duskd", level, cfg.Logging.OutputFile)
	if err != nil {
		return err
	}
	defer log.Close()

	store, err := keystore.Open(cfg.Keystore)
	if err != nil {
		return err
	}
	defer store.Close()

	addr, err := net.ResolveUDPAddr("udp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("bad listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind: %w", err)
	}
	defer conn.Close()

	srv := &server{
		cfg:       cfg,
		log:       log,
		conn:      conn,
		store:     store,
		startedAt: time.Now(),
	}

	srv.ctx, err = dtls.New(srv,
		dtls.WithCookieRotation(cfg.Server.CookieRotation),
		dtls.WithRetransmitTimeout(cfg.Server.RetransmitTimeout),
		dtls.WithBadRecordLimit(cfg.Server.BadRecordLimit),
	)
	if err != nil {
		return err
	}

	if cfg.Stats.Enabled {
		mgmt := api.NewServer(cfg.Stats.ListenAddr, srv.snapshot, log.Component("api"))
		mgmt.Start()
		defer mgmt.Stop(context.Background())
	}

	log.Info("listening", logging.Fields{"addr": conn.LocalAddr().String()})
	return srv.loop()
}

// loop is the single thread of control driving the protocol context. The
// socket reader feeds it over a channel; a ticker polls the retransmit
// state of every in-handshake peer.
func (s *server) loop() error {
	in := make(chan inbound, 64)
	readErr := make(chan error, 1)
	go s.reader(in, readErr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(s.cfg.Server.RetransmitPoll)
	defer ticker.Stop()

	for {
		select {
		case pkt := <-in:
			if err := s.ctx.HandleMessage(pkt.sess, pkt.data); err != nil {
				s.log.Debug("message rejected", logging.Fields{
					"peer":  pkt.sess.String(),
					"error": err.Error(),
				})
			}
			s.refreshSnapshot()

		case now := <-ticker.C:
			for _, sess := range s.ctx.Peers() {
				if s.ctx.NeedsRetransmit(sess, now) {
					if err := s.ctx.RetransmitFlight(sess); err != nil {
						s.log.Warn("retransmit failed", logging.Fields{
							"peer":  sess.String(),
							"error": err.Error(),
						})
					}
				}
			}

		case err := <-readErr:
			return err

		case <-sig:
			s.log.Info("shutting down")
			return s.ctx.Shutdown()
		}
	}
}

func (s *server) reader(in chan<- inbound, readErr chan<- error) {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			readErr <- err
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		in <- inbound{sess: dtls.SessionFromUDPAddr(from), data: data}
	}
}

// Transmit sends one datagram to the peer's address.
func (s *server) Transmit(_ *dtls.Context, sess dtls.Session, b []byte) (int, error) {
	return s.conn.WriteToUDP(b, sess.UDPAddr())
}

// Deliver echoes verified application data back to its sender.
func (s *server) Deliver(c *dtls.Context, sess dtls.Session, b []byte) {
	s.recordsDelivered++
	s.bytesDelivered += uint64(len(b))
	if _, err := c.Write(sess, b); err != nil {
		s.log.Warn("echo failed", logging.Fields{"peer": sess.String(), "error": err.Error()})
	}
}

// Event logs alerts and connection establishment.
func (s *server) Event(_ *dtls.Context, sess dtls.Session, level byte, code uint16) {
	if level == 0 && code == dtls.EventConnected {
		s.handshakesCompleted++
		s.log.Info("peer connected", logging.Fields{"peer": sess.String()})
		return
	}
	if level > 0 {
		s.handshakesFailed++
		s.log.Warn("alert", logging.Fields{
			"peer":  sess.String(),
			"level": level,
			"code":  code,
		})
	}
}

// LookupKey resolves the pre-shared key a peer claims.
func (s *server) LookupKey(_ *dtls.Context, sess dtls.Session, id []byte) (dtls.PSK, error) {
	if id == nil {
		// the server never initiates; it has no identity to offer
		return dtls.PSK{}, dtls.ErrKeyNotFound
	}
	key, err := s.store.Lookup(context.Background(), string(id))
	if err != nil {
		s.log.Warn("unknown identity", logging.Fields{
			"peer":     sess.String(),
			"identity": string(id),
		})
		return dtls.PSK{}, err
	}
	return dtls.PSK{Identity: id, Key: key}, nil
}

// refreshSnapshot publishes the current peer table for the management API.
// Only the loop goroutine reads the context; the API reads the snapshot.
func (s *server) refreshSnapshot() {
	sessions := make([]api.SessionInfo, 0, s.ctx.NumPeers())
	for _, sess := range s.ctx.Peers() {
		st, _ := s.ctx.PeerState(sess)
		sessions = append(sessions, api.SessionInfo{Peer: sess.String(), State: st.String()})
	}

	s.statsMu.Lock()
	s.stats = api.Stats{
		Uptime:              time.Since(s.startedAt).Round(time.Second).String(),
		Peers:               len(sessions),
		Sessions:            sessions,
		HandshakesCompleted: s.handshakesCompleted,
		HandshakesFailed:    s.handshakesFailed,
		RecordsDelivered:    s.recordsDelivered,
		BytesDelivered:      s.bytesDelivered,
	}
	s.statsMu.Unlock()
}

func (s *server) snapshot() api.Stats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}
