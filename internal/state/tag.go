package state

import (
	"fmt"

	"github.com/google/uuid"
)

// tagNamespace scopes the name-based UUIDs minted by this package.
var tagNamespace = uuid.MustParse("6f1c3c55-2f0e-4d8a-9a4f-3b6f0b7f5e21")

// NewBlockTag returns the extent tag for a block. It is a pure function of
// the block key, so a block re-queued after a restart carries the same tag
// and its earlier extents can be dropped by tag before ingesting again.
func NewBlockTag(k BlockKey) string {
	return "kc-" + uuid.NewSHA1(tagNamespace, []byte(k.String())).String()
}

func shortHash(s string) string {
	id := uuid.NewSHA1(tagNamespace, []byte(fmt.Sprintf("activity:%s", s)))
	return fmt.Sprintf("%x", id[:4])
}
