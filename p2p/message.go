package p2p

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/golang/snappy"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/crypto"
	"github.com/Zollkron/gamerchain-sub000/metrics"
	"github.com/Zollkron/gamerchain-sub000/params"
)

const (
	// envelopeSize is the fixed part of every frame behind the length
	// prefix: code, flags, sender key, sequence number and signature.
	envelopeSize = 2 + crypto.PublicKeyLength + 8 + crypto.SignatureLength

	// flagSnappy marks a snappy-compressed payload. The signature always
	// covers the uncompressed form.
	flagSnappy byte = 0x01

	// snappyMinSize is the payload size from which outgoing messages are
	// compressed. Below it the snappy framing overhead wins.
	snappyMinSize = 512
)

var (
	ingressTrafficMeter = metrics.NewRegisteredMeter("p2p/ingress", nil)
	egressTrafficMeter  = metrics.NewRegisteredMeter("p2p/egress", nil)
)

var (
	errMsgTooLarge    = errors.New("p2p: message exceeds size limit")
	errFrameTooShort  = errors.New("p2p: frame below envelope size")
	errBadSignature   = errors.New("p2p: invalid message signature")
	errStaleSeq       = errors.New("p2p: stale message sequence number")
	errIdentityChange = errors.New("p2p: sender key changed mid-connection")
)

// Msg is a decoded, signature-verified wire message.
type Msg struct {
	Code    byte
	Seq     uint64
	From    crypto.PublicKey
	Payload []byte
}

// Sender returns the address of the node key that signed the message.
func (m Msg) Sender() common.Address {
	return crypto.PubkeyToAddress(m.From)
}

// Conn wraps a network connection with the signed message framing: a u32
// length prefix followed by code, flags, sender key, sequence number, an
// ed25519 signature and the payload. Writes carry a per-connection monotone
// sequence number; reads reject any message whose sequence does not advance.
//
// Conn is not safe for concurrent use of the same direction. The peer write
// loop owns the write side and the server read loop owns the read side.
type Conn struct {
	fd  net.Conn
	key crypto.PrivateKey
	pub crypto.PublicKey

	wseq   uint64           // sequence number of the last outgoing message
	rseq   uint64           // highest sequence number accepted from the remote
	remote crypto.PublicKey // pinned after the handshake

	rbuf readBuffer
	wbuf writeBuffer
}

// NewConn wraps fd with the message framing, signing outgoing messages with
// key.
func NewConn(fd net.Conn, key crypto.PrivateKey) *Conn {
	return &Conn{fd: fd, key: key, pub: crypto.PublicFromPrivate(key)}
}

// WriteMsg signs and sends one message. Payloads at or above snappyMinSize
// travel compressed when that actually shrinks them.
func (c *Conn) WriteMsg(code byte, payload []byte) error {
	if len(payload) > params.MaxMessageSize-envelopeSize {
		return fmt.Errorf("%w: payload of %d bytes", errMsgTooLarge, len(payload))
	}
	c.wseq++
	sig := crypto.Sign(c.key, msgDigest(code, c.wseq, payload))

	var flags byte
	body := payload
	if len(payload) >= snappyMinSize {
		if compressed := snappy.Encode(nil, payload); len(compressed) < len(payload) {
			body, flags = compressed, flagSnappy
		}
	}

	c.wbuf.reset()
	binary.BigEndian.PutUint32(c.wbuf.appendZero(4), uint32(envelopeSize+len(body)))
	c.wbuf.data = append(c.wbuf.data, code, flags)
	c.wbuf.write(c.pub)
	binary.BigEndian.PutUint64(c.wbuf.appendZero(8), c.wseq)
	c.wbuf.write(sig)
	c.wbuf.write(body)

	n, err := c.fd.Write(c.wbuf.data)
	egressTrafficMeter.Mark(int64(n))
	return err
}

// ReadMsg reads, decompresses and verifies one message. The signature is
// checked against the embedded sender key before the message is returned, and
// after the handshake the sender key itself is checked against the pinned
// remote identity.
func (c *Conn) ReadMsg() (Msg, error) {
	c.rbuf.reset()
	prefix, err := c.rbuf.read(c.fd, 4)
	if err != nil {
		return Msg{}, err
	}
	size := binary.BigEndian.Uint32(prefix)
	if int64(size) > int64(params.MaxMessageSize) {
		return Msg{}, fmt.Errorf("%w: frame of %d bytes", errMsgTooLarge, size)
	}
	if size < envelopeSize {
		return Msg{}, fmt.Errorf("%w: %d bytes", errFrameTooShort, size)
	}
	frame, err := c.rbuf.read(c.fd, int(size))
	if err != nil {
		return Msg{}, err
	}
	ingressTrafficMeter.Mark(int64(size) + 4)

	var (
		code  = frame[0]
		flags = frame[1]
		from  = crypto.PublicKey(common.CopyBytes(frame[2 : 2+crypto.PublicKeyLength]))
		seq   = binary.BigEndian.Uint64(frame[2+crypto.PublicKeyLength : 10+crypto.PublicKeyLength])
		sig   = frame[10+crypto.PublicKeyLength : envelopeSize]
	)
	payload := frame[envelopeSize:]
	if flags&flagSnappy != 0 {
		n, err := snappy.DecodedLen(payload)
		if err != nil {
			return Msg{}, err
		}
		if n > params.MaxMessageSize {
			return Msg{}, fmt.Errorf("%w: %d bytes decompressed", errMsgTooLarge, n)
		}
		if payload, err = snappy.Decode(nil, payload); err != nil {
			return Msg{}, err
		}
	} else {
		// Detach from the read buffer, which is reused by the next read.
		payload = common.CopyBytes(payload)
	}
	if !crypto.Verify(from, msgDigest(code, seq, payload), sig) {
		return Msg{}, errBadSignature
	}
	if c.remote != nil && !bytes.Equal(from, c.remote) {
		return Msg{}, errIdentityChange
	}
	if seq <= c.rseq {
		return Msg{}, fmt.Errorf("%w: %d after %d", errStaleSeq, seq, c.rseq)
	}
	c.rseq = seq
	return Msg{Code: code, Seq: seq, From: from, Payload: payload}, nil
}

// bind pins the remote identity. Messages signed by any other key fail
// ReadMsg from here on.
func (c *Conn) bind(pub crypto.PublicKey) {
	c.remote = pub
}

// SetReadDeadline sets the deadline of the next read.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.fd.SetReadDeadline(t)
}

// SetWriteDeadline sets the deadline of the next write.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.fd.SetWriteDeadline(t)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.fd.Close()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.fd.RemoteAddr()
}

// msgDigest is the digest the envelope signature covers: code, sequence
// number and the uncompressed payload.
func msgDigest(code byte, seq uint64, payload []byte) []byte {
	var head [9]byte
	head[0] = code
	binary.BigEndian.PutUint64(head[1:], seq)
	return crypto.Sha3(head[:], payload)
}
