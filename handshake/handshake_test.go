package handshake

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zac-lb/sphynx/core/crypto/keypair"
	"github.com/zac-lb/sphynx/core/netaddr"
	"github.com/zac-lb/sphynx/cookie"
)

func newTestAddr(t *testing.T, port uint16) netaddr.NetAddr {
	t.Helper()
	var a netaddr.NetAddr
	a.Family = netaddr.FamilyV4
	copy(a.Addr[10:12], []byte{0xff, 0xff})
	copy(a.Addr[12:16], []byte{127, 0, 0, 1})
	a.Port = port
	a.Valid = true
	return a
}

func noFlood() *ErrorMsg { return nil }

func TestHandshakeRoundTrip(t *testing.T) {
	identity, err := keypair.Generate()
	require.NoError(t, err)
	jar, err := cookie.NewJar()
	require.NoError(t, err)

	responder := NewResponder(identity, jar)
	addr := newTestAddr(t, 9000)

	initiator := NewInitiator(identity.PublicBytes())

	hello := initiator.Hello()
	cookieMsg, err := responder.OnHello(addr, hello)
	require.NoError(t, err)

	challenge, err := initiator.OnCookie(cookieMsg)
	require.NoError(t, err)

	result, err := responder.OnChallenge(addr, challenge, noFlood)
	require.NoError(t, err)
	require.Nil(t, result.Err)
	require.NotZero(t, result.Session.SharedKey)

	session, err := initiator.OnAnswer(result.Answer, addr.Addr)
	require.NoError(t, err)
	require.Equal(t, result.Session.SharedKey, session.SharedKey)
}

func TestHandshakeDuplicateChallengeResendsCachedAnswer(t *testing.T) {
	identity, err := keypair.Generate()
	require.NoError(t, err)
	jar, err := cookie.NewJar()
	require.NoError(t, err)

	responder := NewResponder(identity, jar)
	addr := newTestAddr(t, 9001)
	initiator := NewInitiator(identity.PublicBytes())

	cookieMsg, err := responder.OnHello(addr, initiator.Hello())
	require.NoError(t, err)
	challenge, err := initiator.OnCookie(cookieMsg)
	require.NoError(t, err)

	first, err := responder.OnChallenge(addr, challenge, noFlood)
	require.NoError(t, err)

	second, err := responder.OnChallenge(addr, challenge, noFlood)
	require.NoError(t, err)
	require.Equal(t, first.Answer, second.Answer)
}

func TestHandshakeWrongServerKeyRejected(t *testing.T) {
	identity, err := keypair.Generate()
	require.NoError(t, err)
	jar, err := cookie.NewJar()
	require.NoError(t, err)
	responder := NewResponder(identity, jar)

	other, err := keypair.Generate()
	require.NoError(t, err)
	initiator := NewInitiator(other.PublicBytes())

	_, err = responder.OnHello(newTestAddr(t, 9002), initiator.Hello())
	require.Error(t, err)
}

func TestHandshakeServerFullErrorPropagates(t *testing.T) {
	identity, err := keypair.Generate()
	require.NoError(t, err)
	jar, err := cookie.NewJar()
	require.NoError(t, err)
	responder := NewResponder(identity, jar)
	addr := newTestAddr(t, 9003)
	initiator := NewInitiator(identity.PublicBytes())

	cookieMsg, err := responder.OnHello(addr, initiator.Hello())
	require.NoError(t, err)
	challenge, err := initiator.OnCookie(cookieMsg)
	require.NoError(t, err)

	full := func() *ErrorMsg { return &ErrorMsg{Reason: ReasonServerFull} }
	result, err := responder.OnChallenge(addr, challenge, full)
	require.NoError(t, err)
	require.NotNil(t, result.Err)
	require.Equal(t, ReasonServerFull, result.Err.Reason)
}

func TestResponderExportImportStateRestoresCachedAnswer(t *testing.T) {
	identity, err := keypair.Generate()
	require.NoError(t, err)
	jar, err := cookie.NewJar()
	require.NoError(t, err)

	responder := NewResponder(identity, jar)
	addr := newTestAddr(t, 9004)
	initiator := NewInitiator(identity.PublicBytes())

	cookieMsg, err := responder.OnHello(addr, initiator.Hello())
	require.NoError(t, err)
	challenge, err := initiator.OnCookie(cookieMsg)
	require.NoError(t, err)
	first, err := responder.OnChallenge(addr, challenge, noFlood)
	require.NoError(t, err)

	blob, err := responder.ExportState()
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	restored := NewResponder(identity, jar)
	require.NoError(t, restored.ImportState(blob))

	second, err := restored.OnChallenge(addr, challenge, noFlood)
	require.NoError(t, err)
	require.Equal(t, first.Answer, second.Answer)
}
