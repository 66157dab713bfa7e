package workspace

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/client/connection"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/workspace/store"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/google/uuid"
)

// RemoteLoader fetches, decrypts and verifies manifests from the server.
type RemoteLoader struct {
	realmID uuid.UUID
	cmds    connection.Cmds
	certif  CertifOps
}

var _ store.RemoteLoader = (*RemoteLoader)(nil)

func NewRemoteLoader(realmID uuid.UUID, cmds connection.Cmds, certif CertifOps) *RemoteLoader {
	return &RemoteLoader{realmID: realmID, cmds: cmds, certif: certif}
}

// LoadRemoteManifest returns the last version of id. A realm that does not
// exist yet on the server has no entry: common.ErrEntryNotFound.
func (l *RemoteLoader) LoadRemoteManifest(ctx context.Context, id models.VlobID) (models.ChildManifest, error) {
	rep, err := l.cmds.VlobRead(ctx, connection.VlobReadReq{RealmID: l.realmID, VlobIDs: []uuid.UUID{id}})
	if err != nil {
		return nil, err
	}
	switch rep.Status {
	case connection.StatusOK:
	case connection.StatusRealmNotFound:
		return nil, fmt.Errorf("%w: %s (realm not bootstrapped)", common.ErrEntryNotFound, id)
	case connection.StatusAuthorNotAllowed:
		return nil, common.ErrNotAllowed
	default:
		return nil, fmt.Errorf("%w: vlob read: unexpected status %q", common.ErrInternal, rep.Status)
	}

	var item *connection.VlobItem
	for i := range rep.Items {
		if rep.Items[i].VlobID == id {
			item = &rep.Items[i]
		}
	}
	if item == nil {
		return nil, fmt.Errorf("%w: %s", common.ErrEntryNotFound, id)
	}

	signed, err := l.certif.DecryptForRealm(ctx, l.realmID, item.KeyIndex, item.Blob)
	if err != nil {
		return nil, fmt.Errorf("decrypt manifest %s: %w", id, err)
	}
	vk, err := l.certif.DeviceVerifyKey(ctx, item.Author)
	if err != nil {
		return nil, err
	}
	m, err := models.VerifyAndLoadChild(signed, vk, models.ExpectedMetadata{
		Author:    item.Author,
		Timestamp: item.Timestamp,
		ID:        id,
		Version:   item.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: manifest %s: %w", common.ErrDataIntegrity, id, err)
	}
	return m, nil
}
