package blockstore

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/client/connection"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/google/uuid"
)

// ServerStore keeps blocks on the sync server.
type ServerStore struct {
	cmds connection.Cmds
}

var _ Store = (*ServerStore)(nil)

func NewServerStore(cmds connection.Cmds) *ServerStore {
	return &ServerStore{cmds: cmds}
}

func (s *ServerStore) Upload(ctx context.Context, realmID, blockID uuid.UUID, keyIndex uint64, ciphertext []byte) error {
	rep, err := s.cmds.BlockCreate(ctx, connection.BlockCreateReq{
		RealmID:  realmID,
		BlockID:  blockID,
		KeyIndex: keyIndex,
		Block:    ciphertext,
	})
	if err != nil {
		return err
	}
	return statusError(rep.Status)
}

func (s *ServerStore) Download(ctx context.Context, realmID, blockID uuid.UUID) (uint64, []byte, error) {
	rep, err := s.cmds.BlockRead(ctx, connection.BlockReadReq{RealmID: realmID, BlockID: blockID})
	if err != nil {
		return 0, nil, err
	}
	if err := statusError(rep.Status); err != nil {
		return 0, nil, err
	}
	return rep.KeyIndex, rep.Block, nil
}

func statusError(st connection.Status) error {
	switch st {
	case connection.StatusOK:
		return nil
	case connection.StatusStoreUnavailable:
		return common.ErrStoreUnavailable
	case connection.StatusBlockNotFound:
		return ErrBlockNotFound
	case connection.StatusBadKeyIndex:
		return ErrBadKeyIndex
	case connection.StatusAuthorNotAllowed:
		return common.ErrNotAllowed
	default:
		return fmt.Errorf("%w: unexpected block status %q", common.ErrInternal, st)
	}
}
