package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/errcode"
	"github.com/loqalabs/loqa-bridge/internal/voice"
)

const voiceColumns = `token, name, vendor, module, class, language, gender, search_paths, config, updated_at`

// LoadVoices returns every stored record ordered by token.
func (s *Store) LoadVoices(ctx context.Context) ([]voice.Record, error) {
	if s.ephemeral() {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		out := make([]voice.Record, 0, len(s.memory))
		for _, rec := range s.memory {
			out = append(out, rec.Clone())
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+voiceColumns+` FROM voices ORDER BY token ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []voice.Record
	for rows.Next() {
		rec, err := scanVoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetVoice returns the record stored under token.
func (s *Store) GetVoice(ctx context.Context, token string) (voice.Record, error) {
	if s.ephemeral() {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		rec, ok := s.memory[token]
		if !ok {
			return voice.Record{}, errcode.Newf(errcode.UnknownVoice, "voice %q is not registered", token)
		}
		return rec.Clone(), nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+voiceColumns+` FROM voices WHERE token = ?`, token)
	rec, err := scanVoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return voice.Record{}, errcode.Newf(errcode.UnknownVoice, "voice %q is not registered", token)
	}
	return rec, err
}

func (s *Store) InsertVoice(ctx context.Context, rec voice.Record) error {
	rec.UpdatedAt = s.clock().UTC()
	if s.ephemeral() {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		if _, ok := s.memory[rec.Token]; ok {
			return errcode.Newf(errcode.DuplicateToken, "voice %q is already registered", rec.Token)
		}
		s.memory[rec.Token] = rec.Clone()
		return nil
	}
	paths, cfg, err := encodeVoiceLists(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO voices(`+voiceColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Token, rec.Name, rec.Vendor, rec.Module, rec.Class, rec.Language, rec.Gender, paths, cfg, rec.UpdatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return errcode.Newf(errcode.DuplicateToken, "voice %q is already registered", rec.Token)
		}
		return err
	}
	return nil
}

func (s *Store) UpdateVoice(ctx context.Context, rec voice.Record) error {
	rec.UpdatedAt = s.clock().UTC()
	if s.ephemeral() {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		if _, ok := s.memory[rec.Token]; !ok {
			return errcode.Newf(errcode.UnknownVoice, "voice %q is not registered", rec.Token)
		}
		s.memory[rec.Token] = rec.Clone()
		return nil
	}
	paths, cfg, err := encodeVoiceLists(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE voices SET name = ?, vendor = ?, module = ?, class = ?, language = ?, gender = ?,
		 search_paths = ?, config = ?, updated_at = ? WHERE token = ?`,
		rec.Name, rec.Vendor, rec.Module, rec.Class, rec.Language, rec.Gender, paths, cfg, rec.UpdatedAt.UnixMilli(), rec.Token)
	if err != nil {
		return err
	}
	return requireAffected(res, rec.Token)
}

func (s *Store) DeleteVoice(ctx context.Context, token string) error {
	if s.ephemeral() {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		if _, ok := s.memory[token]; !ok {
			return errcode.Newf(errcode.UnknownVoice, "voice %q is not registered", token)
		}
		delete(s.memory, token)
		return nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM voices WHERE token = ?`, token)
	if err != nil {
		return err
	}
	return requireAffected(res, token)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVoice(row rowScanner) (voice.Record, error) {
	var rec voice.Record
	var paths, cfg string
	var updated int64
	if err := row.Scan(&rec.Token, &rec.Name, &rec.Vendor, &rec.Module, &rec.Class, &rec.Language, &rec.Gender, &paths, &cfg, &updated); err != nil {
		return voice.Record{}, err
	}
	if err := json.Unmarshal([]byte(paths), &rec.SearchPaths); err != nil {
		return voice.Record{}, fmt.Errorf("decode search paths of %s: %w", rec.Token, err)
	}
	if err := json.Unmarshal([]byte(cfg), &rec.Config); err != nil {
		return voice.Record{}, fmt.Errorf("decode config of %s: %w", rec.Token, err)
	}
	if len(rec.SearchPaths) == 0 {
		rec.SearchPaths = nil
	}
	if len(rec.Config) == 0 {
		rec.Config = nil
	}
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return rec, nil
}

func encodeVoiceLists(rec voice.Record) (string, string, error) {
	paths := rec.SearchPaths
	if paths == nil {
		paths = []string{}
	}
	cfg := rec.Config
	if cfg == nil {
		cfg = map[string]string{}
	}
	p, err := json.Marshal(paths)
	if err != nil {
		return "", "", fmt.Errorf("encode search paths: %w", err)
	}
	c, err := json.Marshal(cfg)
	if err != nil {
		return "", "", fmt.Errorf("encode config: %w", err)
	}
	return string(p), string(c), nil
}

func requireAffected(res sql.Result, token string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errcode.Newf(errcode.UnknownVoice, "voice %q is not registered", token)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}
