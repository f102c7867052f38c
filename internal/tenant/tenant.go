// Package tenant validates the identifiers that scope every document and
// search to a single owner.
//
// Owner ids are opaque to recalld: they are taken from the request as-is,
// checked for shape here, and then used as the isolation key in both the
// canonical store and the vector index.
package tenant

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/recalld/internal/errdefs"
)

// MaxOwnerIDLength bounds owner ids.
const MaxOwnerIDLength = 128

var ownerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.@:-]+$`)

// ValidateOwnerID returns an InvalidInputError unless id is a usable owner
// id: non-empty, at most MaxOwnerIDLength bytes, and limited to letters,
// digits and "_.@:-".
func ValidateOwnerID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return errdefs.InvalidInput("owner_id", "is required")
	case len(id) > MaxOwnerIDLength:
		return errdefs.InvalidInput("owner_id", "must be at most 128 characters")
	case !ownerIDPattern.MatchString(id):
		return errdefs.InvalidInput("owner_id", "may contain only letters, digits and _.@:-")
	}
	return nil
}

// ValidateDocumentID returns an InvalidInputError unless id is a UUID.
func ValidateDocumentID(id string) error {
	if id == "" {
		return errdefs.InvalidInput("document_id", "is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return errdefs.InvalidInput("document_id", "must be a UUID")
	}
	return nil
}
