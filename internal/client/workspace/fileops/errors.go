package fileops

import (
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/common"
)

// ErrStaleReshape is returned when a reshape is committed on a slot that
// changed after the operation was prepared.
var ErrStaleReshape = errors.New("reshape operation is stale")

func errShortRaw(c models.ChunkView, got int) error {
	return fmt.Errorf("chunk %s: raw data has %d bytes, expected %d: %w", c.ID, got, c.RawSize, common.ErrDataIntegrity)
}
