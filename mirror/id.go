package mirror

import (
	"encoding/hex"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

// ids are ordered by create time, so log tags from one process sort
// chronologically
func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) String() string {
	b := self[:]
	return hex.EncodeToString(b[0:4]) +
		"-" + hex.EncodeToString(b[4:6]) +
		"-" + hex.EncodeToString(b[6:8]) +
		"-" + hex.EncodeToString(b[8:10]) +
		"-" + hex.EncodeToString(b[10:16])
}
