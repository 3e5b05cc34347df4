package dcmtag

import (
	"math/big"

	"github.com/google/uuid"
)

// NewUID generates a fresh DICOM UID using the UUID-derived scheme of DICOM
// PS3.5 Annex B: root "2.25." followed by the decimal representation of a
// random 128-bit UUID. Used by the modification/anonymization engine (C7)
// whenever a source UID is neither explicitly replaced nor explicitly kept.
func NewUID() string {
	u := uuid.New()
	n := new(big.Int).SetBytes(u[:])
	return "2.25." + n.String()
}
