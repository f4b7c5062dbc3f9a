package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrTimeout is returned by read operations that hit their deadline
// without a complete frame arriving.
var ErrTimeout = errors.New("mqtt: read timed out")

// Dialer opens the transport connection. The default dials TLS without
// certificate verification; the broker on the printer uses a
// self-signed certificate bound to no particular name.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

func tlsDialer(ctx context.Context, addr string) (net.Conn, error) {
	d := tls.Dialer{Config: &tls.Config{InsecureSkipVerify: true}}
	return d.DialContext(ctx, "tcp", addr)
}

// Options configures Dial.
type Options struct {
	Addr      string
	ClientID  string
	Username  string
	Password  string
	Keepalive uint16        // seconds, 0 means 60
	Timeout   time.Duration // per-operation deadline, 0 means 5s
	Dialer    Dialer        // nil means TLS with verification disabled
}

// Conn is a connected MQTT client. It is not safe for concurrent use;
// the responder drives it from a single loop.
type Conn struct {
	nc      net.Conn
	buf     []byte
	pending []*Packet
	timeout time.Duration
}

// Dial connects, sends CONNECT and verifies the CONNACK.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	dial := opts.Dialer
	if dial == nil {
		dial = tlsDialer
	}
	keepalive := opts.Keepalive
	if keepalive == 0 {
		keepalive = 60
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	nc, err := dial(ctx, opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("mqtt: dial %s: %w", opts.Addr, err)
	}
	c := &Conn{nc: nc, timeout: timeout}

	if err := c.send(EncodeConnect(opts.ClientID, opts.Username, opts.Password, keepalive)); err != nil {
		nc.Close()
		return nil, err
	}
	pkt, err := c.ReadPacket(timeout)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("mqtt: waiting for connack: %w", err)
	}
	if pkt.Type != TypeConnack || len(pkt.Body) < 2 || pkt.Body[1] != 0 {
		nc.Close()
		return nil, fmt.Errorf("mqtt: broker refused connection (packet type %d)", pkt.Type)
	}
	return c, nil
}

func (c *Conn) send(frame []byte) error {
	if err := c.nc.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	if _, err := c.nc.Write(frame); err != nil {
		return fmt.Errorf("mqtt: write: %w", err)
	}
	return nil
}

// Subscribe sends a SUBSCRIBE frame. The broker's SUBACK is consumed
// and discarded by a later ReadPacket.
func (c *Conn) Subscribe(packetID uint16, topic string) error {
	return c.send(EncodeSubscribe(packetID, 0, topic))
}

// Publish sends a PUBLISH frame. At QoS 1 it blocks until the matching
// PUBACK arrives; other packets received while waiting are queued for
// the next ReadPacket.
func (c *Conn) Publish(topic string, payload []byte, qos byte, packetID uint16) error {
	if err := c.send(EncodePublish(topic, payload, qos, packetID)); err != nil {
		return err
	}
	if qos == 0 {
		return nil
	}

	deadline := time.Now().Add(c.timeout)
	for time.Now().Before(deadline) {
		pkt, err := c.readFrame(time.Until(deadline))
		if err != nil {
			return fmt.Errorf("mqtt: waiting for puback: %w", err)
		}
		if pkt.Type == TypePuback {
			return nil
		}
		c.pending = append(c.pending, pkt)
	}
	return fmt.Errorf("mqtt: waiting for puback: %w", ErrTimeout)
}

// Puback acknowledges a received QoS 1 publish.
func (c *Conn) Puback(packetID uint16) error {
	return c.send(EncodePuback(packetID))
}

// Pingreq sends a keepalive probe. The PINGRESP is consumed by a later
// ReadPacket and may be discarded.
func (c *Conn) Pingreq() error {
	return c.send(EncodePingreq())
}

// ReadPacket returns the next frame, first draining any packets queued
// while waiting for a PUBACK. ErrTimeout is returned when no complete
// frame arrives within the timeout.
func (c *Conn) ReadPacket(timeout time.Duration) (*Packet, error) {
	if len(c.pending) > 0 {
		pkt := c.pending[0]
		c.pending = c.pending[1:]
		return pkt, nil
	}
	return c.readFrame(timeout)
}

func (c *Conn) readFrame(timeout time.Duration) (*Packet, error) {
	deadline := time.Now().Add(timeout)
	for {
		if pkt, n, err := DecodePacket(c.buf); err != nil {
			return nil, err
		} else if pkt != nil {
			c.buf = c.buf[n:]
			return pkt, nil
		}

		if err := c.nc.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		chunk := make([]byte, 4096)
		n, err := c.nc.Read(chunk)
		if n > 0 {
			c.buf = append(c.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("mqtt: read: %w", err)
		}
	}
}

// Close sends DISCONNECT on a best-effort basis and closes the
// transport.
func (c *Conn) Close() error {
	c.nc.SetWriteDeadline(time.Now().Add(time.Second))
	c.nc.Write(EncodeDisconnect())
	return c.nc.Close()
}
