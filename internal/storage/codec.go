package storage

import (
	"embed"
	"encoding/json"
	"fmt"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func schema(name string) (string, error) {
	b, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// encodeJSON never returns "null" so NOT NULL columns stay valid.
func encodeJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

// settingsDocs holds the JSON-encoded columns of a settings row.
type settingsDocs struct {
	owners, whitelist, blacklist, config, permissions string
}

func encodeSettingsDocs(s Settings) (settingsDocs, error) {
	var (
		d   settingsDocs
		err error
	)
	for _, f := range []struct {
		dst   *string
		v     any
		empty string
	}{
		{&d.owners, s.Owners, "[]"},
		{&d.whitelist, s.Whitelist, "[]"},
		{&d.blacklist, s.Blacklist, "[]"},
		{&d.config, s.Config, "{}"},
		{&d.permissions, s.Permissions, "{}"},
	} {
		if *f.dst, err = encodeJSON(f.v, f.empty); err != nil {
			return settingsDocs{}, fmt.Errorf("encode settings: %w", err)
		}
	}
	return d, nil
}

func (d settingsDocs) decodeInto(s *Settings) error {
	for _, f := range []struct {
		raw string
		dst any
	}{
		{d.owners, &s.Owners},
		{d.whitelist, &s.Whitelist},
		{d.blacklist, &s.Blacklist},
		{d.config, &s.Config},
		{d.permissions, &s.Permissions},
	} {
		if f.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return fmt.Errorf("decode settings: %w", err)
		}
	}
	return nil
}

func decodeSet(raw string, dst *Set) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode set: %w", err)
	}
	return nil
}
