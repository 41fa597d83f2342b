package blobcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// DiskStore は1キー1ファイルでローカルディスクに保存するバックエンドです。
// ファイルは <root>/<digestの先頭2文字>/<digest>.<拡張子> に配置されます。
type DiskStore struct {
	root string
}

// NewDiskStore は root ディレクトリを作成して DiskStore を返します。
func NewDiskStore(root string) (*DiskStore, error) {
	if root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("キャッシュディレクトリのパス解決に失敗しました: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("キャッシュディレクトリの作成に失敗しました: %w", err)
	}
	return &DiskStore{root: abs}, nil
}

// Root はキャッシュディレクトリの絶対パスです。
func (s *DiskStore) Root() string { return s.root }

func (s *DiskStore) shardDir(d string) string {
	return filepath.Join(s.root, d[:2])
}

func (s *DiskStore) find(d string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.shardDir(d), d+".*"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", nil
	}
	return matches[0], nil
}

func (s *DiskStore) Load(_ context.Context, key string) (Entry, bool, error) {
	path, err := s.find(digest(key))
	if err != nil || path == "" {
		return Entry{}, false, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}

	return Entry{
		MimeType: mime.TypeByExtension(filepath.Ext(path)),
		StoredAt: info.ModTime(),
		Path:     path,
	}, true, nil
}

func (s *DiskStore) PutIfAbsent(_ context.Context, key string, entry Entry) (bool, error) {
	d := digest(key)
	if existing, err := s.find(d); err != nil {
		return false, err
	} else if existing != "" {
		return false, nil
	}

	dir := s.shardDir(d)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("シャードディレクトリの作成に失敗しました: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+d+"-*")
	if err != nil {
		return false, fmt.Errorf("一時ファイルの作成に失敗しました: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(entry.Data); err != nil {
		tmp.Close()
		return false, fmt.Errorf("一時ファイルへの書き込みに失敗しました: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("一時ファイルのクローズに失敗しました: %w", err)
	}

	// link は既存ファイルを上書きしないため、同一キーへの並行書き込みでも先勝ちになる
	final := filepath.Join(dir, d+extensionFor(entry.MimeType))
	if err := os.Link(tmpName, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("キャッシュファイルの確定に失敗しました: %w", err)
	}
	return true, nil
}

func (s *DiskStore) Clear(context.Context) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("キャッシュディレクトリの読み込みに失敗しました: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || len(e.Name()) != 2 {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *DiskStore) Close() error { return nil }

// extensionFor は MIME タイプから拡張子を返します。
// mime.ExtensionsByType は環境によって .jpe などを先に返すため、主要フォーマットは固定にしています。
func extensionFor(mimeType string) string {
	mimeType, _, _ = strings.Cut(mimeType, ";")
	switch strings.TrimSpace(mimeType) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
