package contentstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type blobMeta struct {
	Hash      string `json:"hash"`
	Size      int64  `json:"size"`
	CreatedAt int64  `json:"created_at_unix_ms"`
}

func (s *Store) blobPaths(hash string) (string, string, error) {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if !validHash(hash) {
		return "", "", ErrInvalidHash
	}
	dir := filepath.Join(s.dir, hash[:2])
	return filepath.Join(dir, hash+".data"), filepath.Join(dir, hash+".json"), nil
}

// writeBlob stores data under its hash. Existing blobs are left untouched since equal hashes mean
// equal bytes.
func (s *Store) writeBlob(hash string, data []byte) error {
	dataPath, metaPath, err := s.blobPaths(hash)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dataPath); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dataPath), hash+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	mb, err := json.Marshal(blobMeta{Hash: hash, Size: int64(len(data)), CreatedAt: time.Now().UnixMilli()})
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	mb = append(mb, '\n')
	metaTmp, err := os.CreateTemp(filepath.Dir(metaPath), hash+".*.meta.tmp")
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	metaTmpPath := metaTmp.Name()
	_, werr := metaTmp.Write(mb)
	cerr := metaTmp.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(tmpPath)
		_ = os.Remove(metaTmpPath)
		return errors.Join(werr, cerr)
	}

	// Concurrent writers of one hash carry identical bytes; whichever rename lands last wins.
	if err := os.Rename(tmpPath, dataPath); err != nil {
		_ = os.Remove(tmpPath)
		_ = os.Remove(metaTmpPath)
		return err
	}
	if err := os.Rename(metaTmpPath, metaPath); err != nil {
		_ = os.Remove(metaTmpPath)
		return err
	}
	return nil
}

// Open returns the bytes stored for hash, capped at maxBytes (0 means 64 MiB).
func (s *Store) Open(hash string, maxBytes int64) ([]byte, error) {
	dataPath, _, err := s.blobPaths(hash)
	if err != nil {
		return nil, err
	}
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	b, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("blob too large (max %d bytes)", maxBytes)
	}
	return b, nil
}
