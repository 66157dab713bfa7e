package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/common"
)

// SplitPath validates a slash separated path relative to the workspace
// root. "/" and "" designate the root.
func SplitPath(path string) ([]models.EntryName, error) {
	var names []models.EntryName
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		name, err := models.NewEntryName(part)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", common.ErrInvalidPath, path, err)
		}
		names = append(names, name)
	}
	return names, nil
}

// ResolvePath walks path from the root and returns the entry it designates.
func (s *Store) ResolvePath(ctx context.Context, path string) (models.VlobID, models.LocalChildManifest, error) {
	names, err := SplitPath(path)
	if err != nil {
		return models.VlobID{}, nil, err
	}
	return s.resolve(ctx, names)
}

func (s *Store) resolve(ctx context.Context, names []models.EntryName) (models.VlobID, models.LocalChildManifest, error) {
	id := s.RootID()
	m, err := s.GetManifest(ctx, id)
	if err != nil {
		return models.VlobID{}, nil, err
	}

	for i, name := range names {
		folder, ok := m.(*models.LocalFolderManifest)
		if !ok {
			return models.VlobID{}, nil, fmt.Errorf("%w: %s", common.ErrNotAFolder, joinNames(names[:i]))
		}
		childID, ok := folder.Children[name]
		if !ok {
			return models.VlobID{}, nil, fmt.Errorf("%w: %s", common.ErrEntryNotFound, joinNames(names[:i+1]))
		}
		if m, err = s.GetManifest(ctx, childID); err != nil {
			return models.VlobID{}, nil, err
		}
		id = childID
	}
	return id, m, nil
}

func joinNames(names []models.EntryName) string {
	var b strings.Builder
	for _, n := range names {
		b.WriteByte('/')
		b.WriteString(string(n))
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}
