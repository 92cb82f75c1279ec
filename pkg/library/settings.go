package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/calvinalkan/docvault/pkg/objstore"
)

// GetSetting returns the raw value stored under key, or [ErrNotFound].
func (l *Library) GetSetting(ctx context.Context, key string) (Setting, error) {
	var s Setting

	err := l.view(ctx, func(tx *objstore.Tx) error {
		err := tx.Get(colSettings, key, &s)
		if errors.Is(err, objstore.ErrNotFound) {
			return notFound("setting")
		}

		return err
	})
	if err != nil {
		return Setting{}, wrapErr("get setting", key, err)
	}

	return s, nil
}

// SettingOr decodes the setting under key into T, returning def when the key
// is not set.
func SettingOr[T any](ctx context.Context, l *Library, key string, def T) (T, error) {
	s, err := l.GetSetting(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}

	if err != nil {
		return def, err
	}

	var v T

	err = json.Unmarshal(s.Value, &v)
	if err != nil {
		return def, wrapErr("get setting", key, fmt.Errorf("decode value: %w", err))
	}

	return v, nil
}

// SetSetting stores value (encoded as JSON) under key. Last write wins.
func (l *Library) SetSetting(ctx context.Context, key string, value any) (Setting, error) {
	const op = "set setting"

	if key == "" {
		return Setting{}, wrapErr(op, "", validationErr(errors.New("key is required")))
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return Setting{}, wrapErr(op, key, validationErr(err))
	}

	s := Setting{Key: key, Value: raw, UpdatedAt: l.now()}

	err = l.update(ctx, func(tx *objstore.Tx) error {
		return tx.Put(colSettings, key, s)
	})
	if err != nil {
		return Setting{}, wrapErr(op, key, err)
	}

	return s, nil
}

// AllSettings returns every setting keyed by name.
func (l *Library) AllSettings(ctx context.Context) (map[string]Setting, error) {
	out := make(map[string]Setting)

	err := l.view(ctx, func(tx *objstore.Tx) error {
		settings, err := objstore.All[Setting](tx, colSettings, objstore.Query{})
		if err != nil {
			return err
		}

		for _, s := range settings {
			out[s.Key] = s
		}

		return nil
	})
	if err != nil {
		return nil, wrapErr("all settings", "", err)
	}

	return out, nil
}

// DeleteSetting removes key. Returns whether it existed.
func (l *Library) DeleteSetting(ctx context.Context, key string) (bool, error) {
	var ok bool

	err := l.update(ctx, func(tx *objstore.Tx) error {
		var err error

		ok, err = tx.Delete(colSettings, key)

		return err
	})
	if err != nil {
		return false, wrapErr("delete setting", key, err)
	}

	return ok, nil
}
