// Package backup implements component E: content-addressed encrypted
// backup archives with integrity-checked restore. Archives are gzip tar
// streams (github.com/klauspost/compress/gzip, the teacher's go.mod
// dependency for compression, used here in place of compress/gzip) wrapped
// in AES-256-GCM ciphertext from pkg/security.
package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/Raekwon-OG/protekt/pkg/agenterr"
	"github.com/Raekwon-OG/protekt/pkg/backend"
	"github.com/Raekwon-OG/protekt/pkg/security"
	"github.com/Raekwon-OG/protekt/pkg/store"
	"github.com/Raekwon-OG/protekt/pkg/types"
)

var skipExtensions = map[string]bool{".tmp": true, ".log": true, ".cache": true}

// Config configures an Engine.
type Config struct {
	BackupDir        string
	CompressionLevel int
	MaxBackupSize    int64 // uncompressed intermediate size limit
	Cipher           *security.BackupCipher
	Client           *backend.Client
}

// Engine runs backup creation, restore, retention sweeps, and uploads.
type Engine struct {
	store store.Store
	log   zerolog.Logger
	cfg   Config
}

// New builds an Engine.
func New(st store.Store, log zerolog.Logger, cfg Config) *Engine {
	if cfg.CompressionLevel == 0 {
		cfg.CompressionLevel = 6
	}
	if cfg.MaxBackupSize == 0 {
		cfg.MaxBackupSize = 1024 * 1024 * 1024
	}
	return &Engine{store: st, log: log, cfg: cfg}
}

// Create builds an encrypted archive from sourcePaths and inserts a
// BackupRecord, following spec section 4.5 steps 1-6.
func (e *Engine) Create(sourcePaths []string, backupType types.BackupType) (*types.BackupRecord, error) {
	existing := filterExisting(sourcePaths)
	if len(existing) == 0 {
		return nil, fmt.Errorf("%w: no source paths exist", agenterr.ErrValidationFailure)
	}

	backupID := fmt.Sprintf("backup_%d_%s", time.Now().Unix(), randomHex8())

	plaintext, err := e.buildArchive(existing)
	if err != nil {
		return nil, err
	}

	ciphertext, err := e.cfg.Cipher.Encrypt(plaintext.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agenterr.ErrCryptoFailure, err)
	}

	backupPath := filepath.Join(e.cfg.BackupDir, backupID+".tar.gz.enc")
	if err := os.WriteFile(backupPath, ciphertext, 0o600); err != nil {
		return nil, fmt.Errorf("write archive: %w", err)
	}

	sum := sha256.Sum256(ciphertext)
	rec := &types.BackupRecord{
		BackupID:     backupID,
		BackupType:   backupType,
		SourcePaths:  existing,
		BackupPath:   backupPath,
		SizeBytes:    int64(len(ciphertext)),
		Encrypted:    true,
		Checksum:     hex.EncodeToString(sum[:]),
		CreatedAt:    time.Now(),
		Uploaded:     false,
	}
	if err := e.store.CreateBackupRecord(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// buildArchive streams existing into a gzip-compressed tar, skipping
// temp/log/cache extensions and hidden/__pycache__ directories; archive
// entry names are relative to each source's parent directory.
func (e *Engine) buildArchive(sourcePaths []string) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, e.cfg.CompressionLevel)
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(gz)

	var total int64
	for _, src := range sourcePaths {
		base := filepath.Dir(src)
		err := filepath.Walk(src, func(path string, info os.FileInfo, walkErr error) error {
			if walkErr != nil {
				e.log.Warn().Err(walkErr).Str("path", path).Msg("skipping unreadable path during backup")
				return nil
			}
			if info.IsDir() {
				if shouldSkipDir(info.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			if skipExtensions[strings.ToLower(filepath.Ext(path))] {
				return nil
			}
			total += info.Size()
			if total > e.cfg.MaxBackupSize {
				return fmt.Errorf("%w: uncompressed archive content exceeds max_backup_size", agenterr.ErrResourceUnavailable)
			}

			rel, err := filepath.Rel(base, path)
			if err != nil {
				rel = filepath.Base(path)
			}

			f, err := os.Open(path)
			if err != nil {
				e.log.Warn().Err(err).Str("path", path).Msg("skipping unreadable file during backup")
				return nil
			}
			defer f.Close()

			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = rel
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func shouldSkipDir(name string) bool {
	return name == "__pycache__" || (strings.HasPrefix(name, ".") && name != ".")
}

// Restore reverses Create: verify the checksum (if the record has one),
// decrypt, then untar into targetDir (default "./restore").
func (e *Engine) Restore(backupID, targetDir string) error {
	rec, ok, err := e.store.GetBackupRecord(backupID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: backup %s not found", agenterr.ErrValidationFailure, backupID)
	}
	if targetDir == "" {
		targetDir = "./restore"
	}

	ciphertext, err := os.ReadFile(rec.BackupPath)
	if err != nil {
		return fmt.Errorf("%w: %v", agenterr.ErrResourceUnavailable, err)
	}

	if rec.Checksum != "" {
		sum := sha256.Sum256(ciphertext)
		if hex.EncodeToString(sum[:]) != rec.Checksum {
			return fmt.Errorf("%w: backup %s checksum mismatch", agenterr.ErrChecksumMismatch, backupID)
		}
	}

	plaintext, err := e.cfg.Cipher.Decrypt(ciphertext)
	if err != nil {
		return fmt.Errorf("%w: %v", agenterr.ErrCryptoFailure, err)
	}

	return untar(plaintext, targetDir)
}

func untar(data []byte, targetDir string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", agenterr.ErrCryptoFailure, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(targetDir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
	}
}

// PruneOld deletes BackupRecords older than retentionDays that have
// already been uploaded, along with their files. Records never uploaded
// are left in place, per spec section 4.5's retention rule.
func (e *Engine) PruneOld(retentionDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	pruned, err := e.store.PruneUploadedBackups(cutoff)
	if err != nil {
		return 0, err
	}
	for _, rec := range pruned {
		if err := os.Remove(rec.BackupPath); err != nil && !os.IsNotExist(err) {
			e.log.Warn().Err(err).Str("backup_id", rec.BackupID).Msg("failed to remove pruned backup file")
		}
	}
	return len(pruned), nil
}

// Upload PUTs the backup's ciphertext to a signed URL and marks it
// uploaded on success, per spec section 4.5.
func (e *Engine) Upload(ctx context.Context, backupID, signedURL string) error {
	rec, ok, err := e.store.GetBackupRecord(backupID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: backup %s not found", agenterr.ErrValidationFailure, backupID)
	}

	f, err := os.Open(rec.BackupPath)
	if err != nil {
		return fmt.Errorf("%w: %v", agenterr.ErrResourceUnavailable, err)
	}
	defer f.Close()

	if err := e.cfg.Client.UploadBackup(ctx, signedURL, f); err != nil {
		return err
	}

	rec.Uploaded = true
	rec.UploadURL = signedURL
	return e.store.UpdateBackupRecord(rec)
}

func filterExisting(paths []string) []string {
	var out []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func randomHex8() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}
