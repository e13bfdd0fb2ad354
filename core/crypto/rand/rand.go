// Package rand re-exports the CSPRNG used throughout the handshake and
// transport layers, an indirection matching katzenpost's own
// core/crypto/rand package so that callers never reach for math/rand by
// accident.
package rand

import "crypto/rand"

// Reader is the package-wide CSPRNG.
var Reader = rand.Reader
