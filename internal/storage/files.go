package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const metaFileName = "meta.json"

// syncedWriteFile writes data to a temp file, fsyncs it and renames it over
// path. fsync is skipped when STRIPESTORE_TEST is set.
func syncedWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if os.Getenv("STRIPESTORE_TEST") == "" {
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// fileDir returns {root}/{hh}/{escaped fileId}. The two-level fan-out keeps
// directories small on nodes holding many files.
func fileDir(root, fileID string) string {
	h := strconv.FormatUint(xxhash.Sum64String(fileID)&0xff, 16)
	if len(h) < 2 {
		h = "0" + h
	}
	return filepath.Join(root, h, escapeFileID(fileID))
}

// escapeFileID turns a file id into a single path element. A leading dot is
// escaped as well so that "." and ".." never name the bucket or the root.
func escapeFileID(fileID string) string {
	name := url.PathEscape(fileID)
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	return name
}

// listFileIDs walks the two-level fan-out below root.
func listFileIDs(root string) ([]string, error) {
	buckets, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	for _, b := range buckets {
		if !b.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(root, b.Name()))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			id, err := url.PathUnescape(e.Name())
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func loadMetadata(dir string) (Metadata, bool, error) {
	md := Metadata{LastObjectNumber: -1}
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return md, false, nil
		}
		return md, false, fmt.Errorf("read metadata: %w", err)
	}
	if err := json.Unmarshal(data, &md); err != nil {
		return md, false, fmt.Errorf("parse metadata: %w", err)
	}
	return md, true, nil
}

func saveMetadata(dir string, md Metadata) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create file dir: %w", err)
	}
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := syncedWriteFile(filepath.Join(dir, metaFileName), data, 0644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}
