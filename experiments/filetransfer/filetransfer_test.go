package filetransfer

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendReceiveFileRoundTrips(t *testing.T) {
	senderPC, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer senderPC.Close()

	receiverPC, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer receiverPC.Close()

	sender, err := NewConn(senderPC)
	require.NoError(t, err)
	receiver, err := NewConn(receiverPC)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("sphynx-filetransfer-payload-"), 1024)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	recvDone := make(chan error, 1)
	var got bytes.Buffer
	go func() {
		_, err := ReceiveFile(ctx, receiver, &got)
		recvDone <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, SendFile(ctx, sender, receiverPC.LocalAddr(), bytes.NewReader(payload), int64(len(payload))))
	require.NoError(t, <-recvDone)
	require.Equal(t, payload, got.Bytes())
}
