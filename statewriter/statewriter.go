// Package statewriter implements the encrypted statefile worker: a
// background goroutine that serializes the cookie jar's rotation keys and
// the handshake responder's cached-answer set, encrypts them, and writes
// them to disk so a server restart doesn't force every in-flight client
// through a fresh handshake or invalidate cookies issued moments earlier.
package statewriter

import (
	"errors"
	"os"
	"time"

	"github.com/ugorji/go/codec"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/zac-lb/sphynx/core/crypto/rand"
	"github.com/zac-lb/sphynx/core/worker"
)

const (
	keySize   = 32
	nonceSize = 24
)

var cborHandle = &codec.CborHandle{}

// State is the struct persisted to the encrypted statefile.
type State struct {
	JarCurrent  [16]byte
	JarPrevious [16]byte
	Responder   []byte // handshake.Responder.ExportState() output, opaque here to avoid an import cycle
	SavedAt     time.Time
}

// Writer owns the statefile and a worker goroutine that serializes writes,
// mirroring disk.go's StateWriter: one channel fed by callers, one
// goroutine draining it onto disk, so concurrent Save calls never race on
// the same file.
type Writer struct {
	worker.Worker

	log *logging.Logger

	stateCh   chan State
	stateFile string
	key       [keySize]byte
}

// GetStateFromFile decrypts stateFile with a key derived from passphrase
// via argon2, returning the recovered State.
func GetStateFromFile(stateFile string, passphrase []byte) (*State, *[keySize]byte, error) {
	secret := argon2.Key(passphrase, nil, 3, 32*1024, 4, keySize)
	rawFile, err := os.ReadFile(stateFile)
	if err != nil {
		return nil, nil, err
	}
	if len(rawFile) < nonceSize {
		return nil, nil, errors.New("statewriter: statefile shorter than nonce")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], rawFile[:nonceSize])
	ciphertext := rawFile[nonceSize:]
	var key [keySize]byte
	copy(key[:], secret)
	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &key)
	if !ok {
		return nil, nil, errors.New("statewriter: failed to decrypt statefile")
	}
	state := new(State)
	if err := codec.NewDecoderBytes(plaintext, cborHandle).Decode(state); err != nil {
		return nil, nil, err
	}
	return state, &key, nil
}

// LoadWriter decrypts an existing statefile and returns both the recovered
// State and a Writer ready to persist future updates to it.
func LoadWriter(log *logging.Logger, stateFile string, passphrase []byte) (*Writer, *State, error) {
	w := &Writer{log: log, stateCh: make(chan State), stateFile: stateFile}
	state, key, err := GetStateFromFile(stateFile, passphrase)
	if err != nil {
		return nil, nil, err
	}
	w.key = *key
	return w, state, nil
}

// NewWriter creates a Writer for a statefile that does not yet exist.
func NewWriter(log *logging.Logger, stateFile string, passphrase []byte) *Writer {
	secret := argon2.Key(passphrase, nil, 3, 32*1024, 4, keySize)
	w := &Writer{log: log, stateCh: make(chan State), stateFile: stateFile}
	copy(w.key[:], secret)
	return w
}

// Start launches the write-serializing worker goroutine.
func (w *Writer) Start() {
	w.Go(w.worker)
}

// Save enqueues state for the worker to encrypt and write. It blocks until
// the worker accepts the update (not until it's durable) so a caller can
// rely on updates being applied in the order Save was called.
func (w *Writer) Save(s State) {
	s.SavedAt = time.Now()
	w.stateCh <- s
}

func (w *Writer) writeState(s State) error {
	var plaintext []byte
	enc := codec.NewEncoderBytes(&plaintext, cborHandle)
	if err := enc.Encode(s); err != nil {
		return err
	}

	var nonce [nonceSize]byte
	if _, err := rand.Reader.Read(nonce[:]); err != nil {
		return err
	}
	ciphertext := secretbox.Seal(nil, plaintext, &nonce, &w.key)

	out, err := os.OpenFile(w.stateFile+".tmp", os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := out.Write(append(nonce[:], ciphertext...)); err != nil {
		return err
	}

	if err := os.Remove(w.stateFile + "~"); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Rename(w.stateFile, w.stateFile+"~"); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Rename(w.stateFile+".tmp", w.stateFile); err != nil {
		return err
	}
	return os.Remove(w.stateFile + "~")
}

func (w *Writer) worker() {
	for {
		select {
		case <-w.HaltCh():
			if w.log != nil {
				w.log.Debug("statewriter: terminating gracefully")
			}
			return
		case s := <-w.stateCh:
			if err := w.writeState(s); err != nil {
				if w.log != nil {
					w.log.Errorf("statewriter: failed to write statefile: %s", err)
				}
			}
		}
	}
}
