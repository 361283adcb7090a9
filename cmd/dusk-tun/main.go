// dusk-tun bridges a TUN interface over a secured datagram channel,
// point to point: every IP packet read from the device is protected and
// sent to the remote end, and every delivered record is written back to
// the device.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/songgao/water"
	"github.com/spf13/cobra"

	"github.com/duskmesh/duskmesh/pkg/dtls"
	"github.com/duskmesh/duskmesh/pkg/keystore"
	"github.com/duskmesh/duskmesh/pkg/logging"
)

var version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:     "dusk-tun",
		Short:   "IP-over-DTLS point-to-point tunnel",
		Version: version,
	}

	var (
		device   string
		mtu      int
		identity string
		key      string
		server   string
		listen   string
	)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "accept one tunnel peer on a UDP port",
		RunE: func(cmd *cobra.Command, args []string) error {
			keyBytes, err := hex.DecodeString(key)
			if err != nil {
				return fmt.Errorf("bad key material: %w", err)
			}
			store := keystore.NewMemoryStore()
			if err := store.Put(context.Background(), identity, keyBytes); err != nil {
				return err
			}
			return runTunnel(tunnelOpts{
				device: device,
				mtu:    mtu,
				listen: listen,
				store:  store,
			})
		},
	}
	serveCmd.Flags().StringVarP(&listen, "listen", "l", "0.0.0.0:5684", "UDP listen address")

	connectCmd := &cobra.Command{
		Use:   "connect",
		Short: "establish a tunnel to a remote server",
		RunE: func(cmd *cobra.Command, args []string) error {
			keyBytes, err := hex.DecodeString(key)
			if err != nil {
				return fmt.Errorf("bad key material: %w", err)
			}
			return runTunnel(tunnelOpts{
				device: device,
				mtu:    mtu,
				server: server,
				psk:    dtls.PSK{Identity: []byte(identity), Key: keyBytes},
			})
		},
	}
	connectCmd.Flags().StringVarP(&server, "server", "s", "", "server address")
	connectCmd.MarkFlagRequired("server")

	for _, cmd := range []*cobra.Command{serveCmd, connectCmd} {
		cmd.Flags().StringVarP(&device, "device", "d", "", "TUN device name (empty for kernel default)")
		cmd.Flags().IntVar(&mtu, "mtu", 1280, "tunnel MTU")
		cmd.Flags().StringVarP(&identity, "identity", "i", "tunnel", "PSK identity")
		cmd.Flags().StringVarP(&key, "key", "k", "", "PSK key material (hex)")
		cmd.MarkFlagRequired("key")
	}

	root.AddCommand(serveCmd, connectCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type tunnelOpts struct {
	device string
	mtu    int
	listen string         // server role when set
	server string         // client role when set
	store  keystore.Store // server role
	psk    dtls.PSK       // client role
}

type tunnel struct {
	opts tunnelOpts
	log  *logging.Logger
	conn *net.UDPConn
	ifce *water.Interface

	// the single established peer, zero until connected
	peer    dtls.Session
	hasPeer bool
}

type inbound struct {
	sess dtls.Session
	data []byte
}

func runTunnel(opts tunnelOpts) error {
	log, err := logging.NewLogger("dusk-tun", logging.INFO, "")
	if err != nil {
		return err
	}
	defer log.Close()

	ifce, err := water.New(water.Config{DeviceType: water.TUN})
	if err != nil {
		return fmt.Errorf("failed to open TUN device: %w", err)
	}
	log.Info("tun device ready", logging.Fields{"name": ifce.Name(), "mtu": opts.mtu})

	t := &tunnel{opts: opts, log: log, ifce: ifce}

	if opts.listen != "" {
		addr, err := net.ResolveUDPAddr("udp", opts.listen)
		if err != nil {
			return err
		}
		if t.conn, err = net.ListenUDP("udp", addr); err != nil {
			return err
		}
	} else {
		addrPort, err := netip.ParseAddrPort(opts.server)
		if err != nil {
			return fmt.Errorf("bad server address: %w", err)
		}
		if t.conn, err = net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(addrPort)); err != nil {
			return err
		}
		t.peer = dtls.NewSession(addrPort)
	}
	defer t.conn.Close()

	ctx, err := dtls.New(t)
	if err != nil {
		return err
	}
	return t.loop(ctx)
}

func (t *tunnel) loop(ctx *dtls.Context) error {
	in := make(chan inbound, 64)
	packets := make(chan []byte, 64)
	fail := make(chan error, 2)
	go t.socketReader(in, fail)
	go t.tunReader(packets, fail)

	if t.opts.server != "" {
		if err := ctx.Connect(t.peer); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case pkt := <-in:
			if err := ctx.HandleMessage(pkt.sess, pkt.data); err != nil {
				t.log.Warn("message rejected", logging.Fields{"error": err.Error()})
			}

		case packet := <-packets:
			if !t.hasPeer {
				continue // no tunnel yet, drop the packet
			}
			if _, err := ctx.Write(t.peer, packet); err != nil {
				t.log.Warn("tunnel write failed", logging.Fields{"error": err.Error()})
			}

		case now := <-ticker.C:
			for _, sess := range ctx.Peers() {
				if ctx.NeedsRetransmit(sess, now) {
					if err := ctx.RetransmitFlight(sess); err != nil {
						return err
					}
				}
			}

		case err := <-fail:
			return err
		}
	}
}

func (t *tunnel) socketReader(in chan<- inbound, fail chan<- error) {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			fail <- err
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		in <- inbound{sess: dtls.SessionFromUDPAddr(from), data: data}
	}
}

func (t *tunnel) tunReader(packets chan<- []byte, fail chan<- error) {
	buf := make([]byte, t.opts.mtu+4)
	for {
		n, err := t.ifce.Read(buf)
		if err != nil {
			fail <- err
			return
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		packets <- packet
	}
}

func (t *tunnel) Transmit(_ *dtls.Context, sess dtls.Session, b []byte) (int, error) {
	if t.opts.server != "" {
		// connected socket on the client side
		return t.conn.Write(b)
	}
	return t.conn.WriteToUDP(b, sess.UDPAddr())
}

func (t *tunnel) Deliver(_ *dtls.Context, _ dtls.Session, b []byte) {
	if _, err := t.ifce.Write(b); err != nil {
		t.log.Warn("tun write failed", logging.Fields{"error": err.Error()})
	}
}

func (t *tunnel) Event(_ *dtls.Context, sess dtls.Session, level byte, code uint16) {
	if level == 0 && code == dtls.EventConnected {
		t.peer = sess
		t.hasPeer = true
		t.log.Info("tunnel established", logging.Fields{"peer": sess.String()})
		return
	}
	if level > 0 {
		t.log.Warn("alert", logging.Fields{"peer": sess.String(), "level": level, "code": code})
	}
}

func (t *tunnel) LookupKey(_ *dtls.Context, _ dtls.Session, id []byte) (dtls.PSK, error) {
	if id == nil {
		if t.opts.server != "" {
			return t.opts.psk, nil
		}
		return dtls.PSK{}, dtls.ErrKeyNotFound
	}
	if t.opts.store == nil {
		return dtls.PSK{}, dtls.ErrKeyNotFound
	}
	key, err := t.opts.store.Lookup(context.Background(), string(id))
	if err != nil {
		return dtls.PSK{}, err
	}
	return dtls.PSK{Identity: id, Key: key}, nil
}
