package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mirelle/photoset/internal/models"
)

func marshalPlaylist(playlist []models.PlaylistStep) (any, error) {
	if len(playlist) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(playlist)
	if err != nil {
		return nil, fmt.Errorf("marshal playlist: %w", err)
	}
	return string(b), nil
}

func unmarshalPlaylist(raw sql.NullString) ([]models.PlaylistStep, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var playlist []models.PlaylistStep
	if err := json.Unmarshal([]byte(raw.String), &playlist); err != nil {
		return nil, fmt.Errorf("unmarshal playlist: %w", err)
	}
	return playlist, nil
}

func marshalVariants(variants []models.Variant) (any, error) {
	if len(variants) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(variants)
	if err != nil {
		return nil, fmt.Errorf("marshal variants: %w", err)
	}
	return string(b), nil
}

func unmarshalVariants(raw sql.NullString) ([]models.Variant, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var variants []models.Variant
	if err := json.Unmarshal([]byte(raw.String), &variants); err != nil {
		return nil, fmt.Errorf("unmarshal variants: %w", err)
	}
	return variants, nil
}
