// Package profiles reads and writes the public user documents that other
// components denormalize (inbox display data, privacy flag, counters).
package profiles

import (
	"context"
	"fmt"

	"github.com/lalith-99/echosocial/internal/docstore"
	"github.com/lalith-99/echosocial/internal/models"
	"github.com/lalith-99/echosocial/internal/paths"
)

// Directory reads user profiles.
type Directory struct {
	store docstore.Store
}

func NewDirectory(store docstore.Store) *Directory {
	return &Directory{store: store}
}

// Get returns the profile of userID. A user without a profile document
// yields a Profile carrying only the ID.
func (d *Directory) Get(ctx context.Context, userID string) (models.Profile, error) {
	snap, err := d.store.Get(ctx, paths.User(userID))
	if err != nil {
		return models.Profile{}, fmt.Errorf("get profile %s: %w", userID, err)
	}
	if !snap.Exists {
		return models.Profile{ID: userID}, nil
	}
	var p models.Profile
	if err := snap.DataTo(&p); err != nil {
		return models.Profile{}, err
	}
	p.ID = userID
	return p, nil
}

// Save upserts the owner-editable fields of p. Counters are left alone;
// they only move through follow operations.
func (d *Directory) Save(ctx context.Context, p models.Profile) error {
	w := docstore.Merge(paths.User(p.ID), docstore.Data{
		models.FieldID:          p.ID,
		models.FieldUsername:    p.Username,
		models.FieldDisplayName: p.DisplayName,
		models.FieldAvatarURL:   p.AvatarURL,
		models.FieldIsPrivate:   p.IsPrivate,
	})
	ctx = docstore.ActingAs(ctx, p.ID)
	if err := d.store.Commit(ctx, []docstore.Write{w}); err != nil {
		return fmt.Errorf("save profile %s: %w", p.ID, err)
	}
	return nil
}

// IsPrivate reports whether follows of userID need approval.
func (d *Directory) IsPrivate(ctx context.Context, userID string) (bool, error) {
	p, err := d.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return p.IsPrivate, nil
}
