package tenantvault

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
	"southwinds.dev/tenantvault/internal/misc"
)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// validateIdentifier checks tenant, user and integration IDs. They end up in
// token payloads, AAD strings and storage paths, so ':' and '/' are refused
// along with path traversal.
func validateIdentifier(kind, id string) error {
	if id == "" || len(id) > misc.MaxIDLength {
		return reject(ErrInvalidContext, reasonInvalidID+": "+kind)
	}
	if strings.Contains(id, "..") || !identifierRegex.MatchString(id) {
		return reject(ErrInvalidContext, reasonInvalidID+": "+kind)
	}
	return nil
}

func newRequestID() string {
	return uuid.NewString()
}

// wipe zeroes b in place.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
