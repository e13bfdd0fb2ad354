// Package filetransfer is a decorative, explicitly out-of-scope experiment:
// bulk file transfer over a QUIC stream multiplexed onto a single
// net.PacketConn, the way sockatz/common/conn.go proxies a QUIC connection
// over a non-UDP transport. It is not reachable from any server or client
// operation; it exists only because the original tree carried a comparable
// huge-file-transfer experiment and the distilled spec calls that out by
// name as excluded rather than unmentioned.
package filetransfer

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"io"
	"math/big"
	"net"

	quic "github.com/quic-go/quic-go"
)

const alpn = "sphynx-filetransfer-experiment"

// Conn adapts any net.PacketConn carrier (in practice, a loopback pipe
// fed by a transport.Connection's reliable stream) into something
// quic.Listen/quic.Dial can run over, mirroring QUICProxyConn's role.
type Conn struct {
	pc      net.PacketConn
	tlsConf *tls.Config
}

// NewConn wraps pc for use as a QUIC carrier.
func NewConn(pc net.PacketConn) (*Conn, error) {
	tlsConf, err := generateTLSConfig()
	if err != nil {
		return nil, err
	}
	return &Conn{pc: pc, tlsConf: tlsConf}, nil
}

func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}, nil
}

// SendFile opens a QUIC stream to addr over conn and writes r's contents,
// length-prefixed so the receiver knows when to stop reading.
func SendFile(ctx context.Context, conn *Conn, addr net.Addr, r io.Reader, size int64) error {
	qconn, err := quic.Dial(ctx, conn.pc, addr, conn.tlsConf, nil)
	if err != nil {
		return err
	}
	defer qconn.CloseWithError(0, "")

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	var header [8]byte
	binary.BigEndian.PutUint64(header[:], uint64(size))
	if _, err := stream.Write(header[:]); err != nil {
		return err
	}
	_, err = io.Copy(stream, r)
	return err
}

// ReceiveFile accepts one QUIC stream on conn and writes its payload to w,
// returning once the sender's declared length has been read in full.
func ReceiveFile(ctx context.Context, conn *Conn, w io.Writer) (int64, error) {
	listener, err := quic.Listen(conn.pc, conn.tlsConf, nil)
	if err != nil {
		return 0, err
	}
	defer listener.Close()

	qconn, err := listener.Accept(ctx)
	if err != nil {
		return 0, err
	}
	defer qconn.CloseWithError(0, "")

	stream, err := qconn.AcceptStream(ctx)
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	var header [8]byte
	if _, err := io.ReadFull(stream, header[:]); err != nil {
		return 0, err
	}
	size := int64(binary.BigEndian.Uint64(header[:]))
	if size < 0 {
		return 0, errors.New("filetransfer: negative size header")
	}

	n, err := io.CopyN(w, stream, size)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, err
	}
	return n, nil
}
