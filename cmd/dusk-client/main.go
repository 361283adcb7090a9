// dusk-client connects to a duskd server, then relays lines between stdin
// and the secured channel.
package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/duskmesh/duskmesh/pkg/dtls"
	"github.com/duskmesh/duskmesh/pkg/logging"
)

var version = "0.1.0"

type options struct {
	server   string
	identity string
	key      string
	logLevel string
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:     "dusk-client",
		Short:   "DTLS-PSK datagram client",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	root.Flags().StringVarP(&opts.server, "server", "s", "127.0.0.1:5684", "server address")
	root.Flags().StringVarP(&opts.identity, "identity", "i", "Client_identity", "PSK identity to offer")
	root.Flags().StringVarP(&opts.key, "key", "k", "", "PSK key material (hex)")
	root.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level")
	root.MarkFlagRequired("key")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type client struct {
	log  *logging.Logger
	conn *net.UDPConn
	psk  dtls.PSK

	connected chan struct{}
}

func run(opts *options) error {
	level, err := logging.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	log, err := logging.NewLogger("dusk-client", level, "")
	if err != nil {
		return err
	}
	defer log.Close()

	key, err := hex.DecodeString(opts.key)
	if err != nil {
		return fmt.Errorf("bad key material: %w", err)
	}

	serverAddr, err := netip.ParseAddrPort(opts.server)
	if err != nil {
		return fmt.Errorf("bad server address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(serverAddr))
	if err != nil {
		return fmt.Errorf("failed to open socket: %w", err)
	}
	defer conn.Close()

	cl := &client{
		log:       log,
		conn:      conn,
		psk:       dtls.PSK{Identity: []byte(opts.identity), Key: key},
		connected: make(chan struct{}),
	}

	ctx, err := dtls.New(cl)
	if err != nil {
		return err
	}
	sess := dtls.NewSession(serverAddr)

	in := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go cl.reader(in, readErr)

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	if err := ctx.Connect(sess); err != nil {
		return err
	}
	log.Info("handshake started", logging.Fields{"server": opts.server})

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case data := <-in:
			if err := ctx.HandleMessage(sess, data); err != nil {
				log.Warn("message rejected", logging.Fields{"error": err.Error()})
			}

		case now := <-ticker.C:
			if ctx.NeedsRetransmit(sess, now) {
				if err := ctx.RetransmitFlight(sess); err != nil {
					return err
				}
			}

		case line, ok := <-lines:
			if !ok {
				err := ctx.Close(sess)
				return err
			}
			select {
			case <-cl.connected:
			default:
				log.Warn("not connected yet, dropping line")
				continue
			}
			if _, err := ctx.Write(sess, []byte(line)); err != nil {
				return err
			}

		case err := <-readErr:
			return err
		}
	}
}

func (c *client) reader(in chan<- []byte, readErr chan<- error) {
	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			readErr <- err
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		in <- data
	}
}

func (c *client) Transmit(_ *dtls.Context, _ dtls.Session, b []byte) (int, error) {
	return c.conn.Write(b)
}

func (c *client) Deliver(_ *dtls.Context, _ dtls.Session, b []byte) {
	fmt.Printf("< %s\n", b)
}

func (c *client) Event(_ *dtls.Context, _ dtls.Session, level byte, code uint16) {
	if level == 0 && code == dtls.EventConnected {
		c.log.Info("connected")
		close(c.connected)
		return
	}
	c.log.Warn("alert", logging.Fields{"level": level, "code": code})
}

func (c *client) LookupKey(_ *dtls.Context, _ dtls.Session, id []byte) (dtls.PSK, error) {
	if id == nil {
		return c.psk, nil
	}
	return dtls.PSK{}, dtls.ErrKeyNotFound
}
