package statewriter

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.bin")
	passphrase := []byte("correct horse battery staple")

	w := NewWriter(nil, path, passphrase)
	w.Start()
	defer w.HaltAndWait()

	want := State{
		JarCurrent:  [16]byte{1, 2, 3},
		JarPrevious: [16]byte{4, 5, 6},
		Responder:   []byte("cached-answers-blob"),
	}
	w.Save(want)

	require.Eventually(t, func() bool {
		_, _, err := GetStateFromFile(path, passphrase)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	got, _, err := GetStateFromFile(path, passphrase)
	require.NoError(t, err)
	require.Equal(t, want.JarCurrent, got.JarCurrent)
	require.Equal(t, want.JarPrevious, got.JarPrevious)
	require.Equal(t, want.Responder, got.Responder)
}

func TestWrongPassphraseFailsToDecrypt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.bin")

	w := NewWriter(nil, path, []byte("right-passphrase"))
	w.Start()
	defer w.HaltAndWait()

	w.Save(State{JarCurrent: [16]byte{9}})

	require.Eventually(t, func() bool {
		_, _, err := GetStateFromFile(path, []byte("right-passphrase"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	_, _, err := GetStateFromFile(path, []byte("wrong-passphrase"))
	require.Error(t, err)
}
