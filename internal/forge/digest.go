package forge

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// CommitDigest computes the digest identifying a proposed change: a hash of
// the composed commit message plus the author identity. The digest is stored
// inside the pre-push marker and used by crash recovery to decide whether a
// candidate commit already landed on the target branch.
func CommitDigest(message []string, author Identity) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(message, "\n")))
	h.Write([]byte{0})
	h.Write([]byte(author.String()))
	return hex.EncodeToString(h.Sum(nil))
}
