// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package syncengine implements the sync phase (C4): it streams objects
// from the object store into a local staging tree, deduplicating via
// ETag/size and then SHA-256, recording manifest entries through the
// checkpoint store, and emitting progress events as it goes.
package syncengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tombee/extractord/internal/objectstore"
)

// BucketConfig names one (tenant, purchaser) source to sync.
type BucketConfig struct {
	Name      string
	Bucket    string
	Prefix    string
	Tenant    string
	Purchaser string
}

// SyncedFile describes one file that is now present and up to date in
// staging, whether it was freshly downloaded or already matched.
type SyncedFile struct {
	RelativePath string
	FullPath     string
	Brand        string
	Purchaser    string
	Size         int64
	ETag         string
	SHA256       string
	SyncedAt     time.Time
}

// Options configures one SyncBucket call.
type Options struct {
	// LimitRemaining bounds new downloads only, shared across buckets
	// in the same run. A nil value disables the limit.
	LimitRemaining *int
	// InitialLimit is the starting value of *LimitRemaining, used to
	// compute progress's done/total per spec §4.2.
	InitialLimit int
	// AlreadyExtractedPaths is the hot-set of destPaths to fast-skip.
	AlreadyExtractedPaths map[string]bool

	OnProgress         func(done, total int)
	OnSyncSkipProgress func(skipped, processed int)
	OnFileSynced       func(SyncedFile)
	OnStartDownload    func(destPath, manifestKey string)
}

// Result is one bucket's sync outcome.
type Result struct {
	Brand     string
	Purchaser string
	Synced    int
	Skipped   int
	Errors    int
	Files     []SyncedFile
}

// ManifestEntry is the structured, content-addressed record the engine
// keeps per destPath to decide whether a re-list can skip a re-download.
type ManifestEntry struct {
	SHA256 string
	ETag   string
	Size   int64
}

// Manifest is the engine's read/write interface onto the checkpoint
// store's per-path sync manifest. Get returns (entry, legacySHA, found):
// legacySHA is set when the stored value predates structured entries (a
// bare SHA-256 hex string written by an older build).
type Manifest interface {
	Get(ctx context.Context, manifestKey string) (entry ManifestEntry, legacySHA string, found bool, err error)
	Put(ctx context.Context, manifestKey string, entry ManifestEntry) error
}

// Engine runs SyncBucket against a Client and a Manifest.
type Engine struct {
	objects  objectstore.Client
	manifest Manifest
}

// New builds a sync Engine.
func New(objects objectstore.Client, manifest Manifest) *Engine {
	return &Engine{objects: objects, manifest: manifest}
}

// SyncBucket lists cfg.Bucket/cfg.Prefix and reconciles each object into
// stagingDir, per the algorithm in spec §4.2.
func (e *Engine) SyncBucket(ctx context.Context, cfg BucketConfig, stagingDir string, opts Options) (Result, error) {
	objs, err := e.objects.List(ctx, cfg.Bucket, cfg.Prefix)
	if err != nil {
		return Result{Brand: cfg.Tenant, Purchaser: cfg.Purchaser}, fmt.Errorf("listing %s/%s: %w", cfg.Bucket, cfg.Prefix, err)
	}

	result := Result{Brand: cfg.Tenant, Purchaser: cfg.Purchaser}
	processed := 0

	for _, obj := range objs {
		if opts.LimitRemaining != nil && *opts.LimitRemaining <= 0 {
			break
		}

		keyAfterPrefix := strings.TrimPrefix(obj.Key, cfg.Prefix)
		destPath := filepath.Join(stagingDir, cfg.Tenant, cfg.Purchaser, filepath.FromSlash(keyAfterPrefix))
		manifestKey := cfg.Tenant + "/" + obj.Key

		if opts.AlreadyExtractedPaths != nil && opts.AlreadyExtractedPaths[destPath] {
			result.Skipped++
			processed++
			file := e.syncedFileFromDisk(cfg, destPath, keyAfterPrefix, obj)
			result.Files = append(result.Files, file)
			e.emitSynced(opts, file, result, processed, len(objs))
			continue
		}

		skipped, file, err := e.reconcileOne(ctx, cfg, destPath, keyAfterPrefix, manifestKey, obj)
		if err != nil {
			result.Errors++
			processed++
			if opts.OnSyncSkipProgress != nil {
				opts.OnSyncSkipProgress(result.Skipped, processed)
			}
			continue
		}

		if skipped {
			result.Skipped++
			processed++
			result.Files = append(result.Files, file)
			e.emitSynced(opts, file, result, processed, len(objs))
			continue
		}

		if opts.OnStartDownload != nil {
			opts.OnStartDownload(destPath, manifestKey)
		}

		downloaded, err := e.download(ctx, cfg, destPath, manifestKey, obj)
		if err != nil {
			result.Errors++
			processed++
			if opts.OnSyncSkipProgress != nil {
				opts.OnSyncSkipProgress(result.Skipped, processed)
			}
			continue
		}

		result.Synced++
		processed++
		if opts.LimitRemaining != nil {
			*opts.LimitRemaining--
		}
		result.Files = append(result.Files, downloaded)
		e.emitSynced(opts, downloaded, result, processed, len(objs))
	}

	return result, nil
}

func (e *Engine) emitSynced(opts Options, file SyncedFile, result Result, processed, totalDiscovered int) {
	if opts.OnFileSynced != nil {
		opts.OnFileSynced(file)
	}
	done := processed
	total := processed
	if opts.InitialLimit > 0 {
		if opts.LimitRemaining != nil {
			done = opts.InitialLimit - *opts.LimitRemaining
		}
		total = done
		if opts.InitialLimit > total {
			total = opts.InitialLimit
		}
	} else {
		done = result.Synced + result.Skipped + result.Errors
		total = done
		if totalDiscovered > total {
			total = totalDiscovered
		}
	}
	if opts.OnProgress != nil {
		opts.OnProgress(done, total)
	}
}

// reconcileOne implements the skip-if-unchanged decision tree of spec
// §4.2 step 3. It never downloads; callers fall through to download when
// it returns skipped=false, err=nil.
func (e *Engine) reconcileOne(ctx context.Context, cfg BucketConfig, destPath, keyAfterPrefix, manifestKey string, obj objectstore.Object) (bool, SyncedFile, error) {
	stat, statErr := os.Stat(destPath)
	localExists := statErr == nil

	entry, legacySHA, found, err := e.manifest.Get(ctx, manifestKey)
	if err != nil {
		return false, SyncedFile{}, fmt.Errorf("reading manifest for %q: %w", manifestKey, err)
	}

	if !localExists {
		return false, SyncedFile{}, nil
	}

	switch {
	case found && legacySHA == "":
		if entry.ETag == obj.ETag && entry.Size == obj.Size {
			return true, e.syncedFile(cfg, destPath, keyAfterPrefix, obj, entry.SHA256), nil
		}
		return false, SyncedFile{}, nil

	case found && legacySHA != "":
		sum, err := sha256File(destPath)
		if err != nil {
			return false, SyncedFile{}, fmt.Errorf("hashing %q: %w", destPath, err)
		}
		if sum == legacySHA {
			upgraded := ManifestEntry{SHA256: sum, ETag: obj.ETag, Size: obj.Size}
			if err := e.manifest.Put(ctx, manifestKey, upgraded); err != nil {
				return false, SyncedFile{}, fmt.Errorf("upgrading manifest for %q: %w", manifestKey, err)
			}
			return true, e.syncedFile(cfg, destPath, keyAfterPrefix, obj, sum), nil
		}
		return false, SyncedFile{}, nil

	case !found && stat.Size() == obj.Size:
		// Recovery path: local file present, matching size, no manifest
		// entry yet — hash once and adopt it rather than re-downloading.
		sum, err := sha256File(destPath)
		if err != nil {
			return false, SyncedFile{}, fmt.Errorf("hashing %q: %w", destPath, err)
		}
		recovered := ManifestEntry{SHA256: sum, ETag: obj.ETag, Size: obj.Size}
		if err := e.manifest.Put(ctx, manifestKey, recovered); err != nil {
			return false, SyncedFile{}, fmt.Errorf("writing recovered manifest for %q: %w", manifestKey, err)
		}
		return true, e.syncedFile(cfg, destPath, keyAfterPrefix, obj, sum), nil

	default:
		return false, SyncedFile{}, nil
	}
}

// download streams obj's body to destPath via temp-file + rename, hashes
// it, and upserts the manifest entry.
func (e *Engine) download(ctx context.Context, cfg BucketConfig, destPath, manifestKey string, obj objectstore.Object) (SyncedFile, error) {
	body, etag, _, err := e.objects.Get(ctx, cfg.Bucket, obj.Key)
	if err != nil {
		return SyncedFile{}, fmt.Errorf("fetching %s/%s: %w", cfg.Bucket, obj.Key, err)
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return SyncedFile{}, fmt.Errorf("creating staging dir for %q: %w", destPath, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".sync-*.tmp")
	if err != nil {
		return SyncedFile{}, fmt.Errorf("creating temp file for %q: %w", destPath, err)
	}
	tmpPath := tmp.Name()
	hasher := sha256.New()

	if _, err := io.Copy(io.MultiWriter(tmp, hasher), body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return SyncedFile{}, fmt.Errorf("writing %q: %w", destPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return SyncedFile{}, fmt.Errorf("closing %q: %w", destPath, err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return SyncedFile{}, fmt.Errorf("renaming into place %q: %w", destPath, err)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if err := e.manifest.Put(ctx, manifestKey, ManifestEntry{SHA256: sum, ETag: etag, Size: obj.Size}); err != nil {
		return SyncedFile{}, fmt.Errorf("upserting manifest for %q: %w", manifestKey, err)
	}

	keyAfterPrefix := strings.TrimPrefix(obj.Key, cfg.Prefix)
	return e.syncedFile(cfg, destPath, keyAfterPrefix, obj, sum), nil
}

func (e *Engine) syncedFile(cfg BucketConfig, destPath, keyAfterPrefix string, obj objectstore.Object, sha string) SyncedFile {
	return SyncedFile{
		RelativePath: filepath.ToSlash(filepath.Join(cfg.Tenant, cfg.Purchaser, keyAfterPrefix)),
		FullPath:     destPath,
		Brand:        cfg.Tenant,
		Purchaser:    cfg.Purchaser,
		Size:         obj.Size,
		ETag:         obj.ETag,
		SHA256:       sha,
		SyncedAt:     time.Now(),
	}
}

func (e *Engine) syncedFileFromDisk(cfg BucketConfig, destPath, keyAfterPrefix string, obj objectstore.Object) SyncedFile {
	return e.syncedFile(cfg, destPath, keyAfterPrefix, obj, "")
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
