package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rustic-rs/rustic/backend"
	"github.com/rustic-rs/rustic/cache"
	"github.com/rustic-rs/rustic/crypto"
	"github.com/rustic-rs/rustic/errs"
	"github.com/rustic-rs/rustic/index"
)

// Repository is the single handle that owns the backend driver, the
// in-memory index, and the unlocked master key. Archiver, restorer, and
// prune all take a *Repository rather than holding their own copies of
// this state, per spec.md §9 ("ownership in design terms ... the
// Repository handle exclusively owns the in-memory index and the backend
// driver; archiver/restorer/prune borrow it").
type Repository struct {
	Driver backend.Driver
	Key    *crypto.Key
	Index  *index.Index
	Cache  *cache.Cache // nil if no_cache was set

	Config     Config
	Compressor *crypto.Compressor // nil if compression is disabled
}

// Option configures Open/Init, mirroring the teacher's client.go
// functional-option pattern (clientOptions + With... constructors).
type Option func(*openOptions)

type openOptions struct {
	cacheDir         string
	cacheMaxBytes    int64
	noCache          bool
	indexConcurrency int
}

func defaultOpenOptions() *openOptions {
	return &openOptions{indexConcurrency: 8}
}

// WithCacheDir sets the local blob cache directory (spec.md §6 "cache_dir").
func WithCacheDir(dir string, maxBytes int64) Option {
	return func(o *openOptions) { o.cacheDir = dir; o.cacheMaxBytes = maxBytes }
}

// WithNoCache disables the local blob cache entirely (spec.md §6 "no_cache").
func WithNoCache() Option {
	return func(o *openOptions) { o.noCache = true }
}

// WithIndexConcurrency bounds how many index files load in parallel.
func WithIndexConcurrency(n int) Option {
	return func(o *openOptions) { o.indexConcurrency = n }
}

// Init creates a brand-new repository: writes a fresh config blob and a
// single key file wrapping a freshly generated master key under password.
func Init(ctx context.Context, drv backend.Driver, password string, opts ...Option) (*Repository, error) {
	o := defaultOpenOptions()
	for _, opt := range opts {
		opt(o)
	}

	entries, err := drv.List(ctx, backend.KindConfig)
	if err != nil {
		return nil, fmt.Errorf("repository: check existing config: %w", err)
	}
	if len(entries) > 0 {
		return nil, errs.New(errs.InvalidArgument, "", fmt.Errorf("repository already initialized"))
	}

	masterKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("repository: generate master key: %w", err)
	}

	if err := addKeyFile(ctx, drv, masterKey, password, crypto.DefaultKDFParams()); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	data, err := EncodeConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := drv.WriteFull(ctx, backend.KindConfig, "config", data, true); err != nil {
		return nil, fmt.Errorf("repository: write config: %w", err)
	}

	return open(ctx, drv, masterKey, cfg, o)
}

// Open unlocks an existing repository: tries every key file in turn with
// password until one decrypts (spec.md §3: "any one correct password
// unlocks the repo"), then loads the config and the full index.
func Open(ctx context.Context, drv backend.Driver, password string, opts ...Option) (*Repository, error) {
	o := defaultOpenOptions()
	for _, opt := range opts {
		opt(o)
	}

	configData, err := drv.ReadFull(ctx, backend.KindConfig, "config")
	if err != nil {
		return nil, fmt.Errorf("repository: read config: %w", err)
	}
	cfg, err := DecodeConfig(configData)
	if err != nil {
		return nil, errs.New(errs.CorruptStructure, "config", err)
	}

	masterKey, err := unlock(ctx, drv, password)
	if err != nil {
		return nil, err
	}

	return open(ctx, drv, masterKey, cfg, o)
}

func open(ctx context.Context, drv backend.Driver, key *crypto.Key, cfg Config, o *openOptions) (*Repository, error) {
	idx, err := index.LoadAll(ctx, drv, indexDecodeAdapter, o.indexConcurrency)
	if err != nil {
		return nil, fmt.Errorf("repository: load index: %w", err)
	}

	repo := &Repository{
		Driver: drv,
		Key:    key,
		Index:  idx,
		Config: cfg,
	}
	if cfg.CompressionLevel != crypto.CompressionOff {
		repo.Compressor = crypto.NewCompressor(cfg.CompressionLevel)
	}

	if !o.noCache && o.cacheDir != "" {
		c, err := cache.Open(o.cacheDir, o.cacheMaxBytes)
		if err != nil {
			return nil, fmt.Errorf("repository: open cache: %w", err)
		}
		repo.Cache = c
	}

	return repo, nil
}

// Close releases resources (the compressor's encoder/decoder goroutine
// pools) held by the repository.
func (r *Repository) Close() {
	if r.Compressor != nil {
		r.Compressor.Close()
	}
}

// AddKeyFile wraps the repository's master key under a new password,
// adding another way to unlock it (spec.md §3: "keys may be added/removed").
func (r *Repository) AddKeyFile(ctx context.Context, password string) error {
	return addKeyFile(ctx, r.Driver, r.Key, password, crypto.DefaultKDFParams())
}

// RemoveKeyFile deletes one key file by id. Callers must ensure at least
// one other key file remains, or the repository becomes unrecoverable;
// this function does not enforce that itself since it has no way to
// re-verify every remaining key file decrypts without the caller's
// passwords.
func (r *Repository) RemoveKeyFile(ctx context.Context, keyID string) error {
	if err := r.Driver.Remove(ctx, backend.KindKey, keyID); err != nil {
		return fmt.Errorf("repository: remove key file %s: %w", keyID, err)
	}
	return nil
}

func addKeyFile(ctx context.Context, drv backend.Driver, masterKey *crypto.Key, password string, params crypto.KDFParams) error {
	salt, err := crypto.NewSalt(params.SaltLen)
	if err != nil {
		return err
	}
	derivedRaw, err := crypto.DeriveKey(password, salt, params)
	if err != nil {
		return err
	}
	derivedKey := crypto.NewKey(derivedRaw)

	raw := masterKey.Bytes()
	wrapped, err := derivedKey.Encrypt(raw[:], nil)
	if err != nil {
		return fmt.Errorf("repository: wrap master key: %w", err)
	}

	kf := KeyFile{
		ID:         uuid.NewString(),
		Salt:       salt,
		KDFParams:  params,
		WrappedKey: wrapped,
		CreatedAt:  time.Now(),
	}
	data, err := EncodeKeyFile(kf)
	if err != nil {
		return err
	}
	if err := drv.WriteFull(ctx, backend.KindKey, kf.ID, data, true); err != nil {
		return fmt.Errorf("repository: write key file: %w", err)
	}
	return nil
}

// unlock tries every key file with password until one decrypts
// successfully, per spec.md §3's "any one correct password unlocks the
// repo". Returns a dedicated Unlock error (distinct from repository-missing)
// if none do, per spec.md §4.2.
func unlock(ctx context.Context, drv backend.Driver, password string) (*crypto.Key, error) {
	entries, err := drv.List(ctx, backend.KindKey)
	if err != nil {
		return nil, fmt.Errorf("repository: list key files: %w", err)
	}
	if len(entries) == 0 {
		return nil, errs.New(errs.CorruptStructure, "", fmt.Errorf("repository has no key files"))
	}

	for _, e := range entries {
		data, err := drv.ReadFull(ctx, backend.KindKey, e.Name)
		if err != nil {
			continue
		}
		kf, err := DecodeKeyFile(data)
		if err != nil {
			continue
		}

		derivedRaw, err := crypto.DeriveKey(password, kf.Salt, kf.KDFParams)
		if err != nil {
			continue
		}
		derivedKey := crypto.NewKey(derivedRaw)

		plain, err := derivedKey.Decrypt(kf.WrappedKey, nil)
		if err != nil {
			continue // wrong password for this key file; try the next one
		}
		if len(plain) != crypto.KeySize {
			continue
		}
		var raw [crypto.KeySize]byte
		copy(raw[:], plain)
		return crypto.NewKey(raw), nil
	}

	return nil, errs.New(errs.Unlock, "", fmt.Errorf("no key file could be unlocked with the given password"))
}

func indexDecodeAdapter(data []byte) (index.File, error) {
	return index.DecodeFile(data)
}
