// Package docid names the canonical document a room guards.
package docid

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned by Parse for strings that are not
// "format:type:fileId".
var ErrMalformed = errors.New("docid: malformed document id")

// Document types.
const (
	TypeFile     = "file"
	TypeNotebook = "notebook"
)

// ID is the (format, type, fileId) triple of a document.
type ID struct {
	Format string
	Type   string
	FileID string
}

// String returns "format:type:fileId", which is also the room id.
func (id ID) String() string {
	return id.Format + ":" + id.Type + ":" + id.FileID
}

// Parse splits a room id into its parts.
func Parse(s string) (ID, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ID{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return ID{Format: parts[0], Type: parts[1], FileID: parts[2]}, nil
}
