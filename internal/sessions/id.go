package sessions

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session ids sort lexicographically by creation time:
// YYYYMMDDThhmmss_NNNN_xxxxxxxx. NNNN is a per-process counter so ids stay
// unique within one second; the short hash folds in pid + randomness so
// collisions across processes are statistical only.

var idCounter atomic.Uint32

var idPattern = regexp.MustCompile(`^\d{8}T\d{6}_\d{4}_[0-9a-f]{8}$`)

// NewSessionID allocates the next session id.
func NewSessionID() string {
	now := time.Now().UTC()
	seq := idCounter.Add(1) % 10000
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s", os.Getpid(), uuid.NewString())))
	return fmt.Sprintf("%s_%04d_%s", now.Format("20060102T150405"), seq, hex.EncodeToString(sum[:4]))
}

// ValidSessionID reports whether s has the session id shape. Used to skip
// stray entries when scanning a sessions directory.
func ValidSessionID(s string) bool {
	return idPattern.MatchString(s)
}
