// Package blobstorage keeps raw message bodies outside the relational
// store: in a SQLite table by default or in an S3 compatible bucket.
package blobstorage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/pkg/errors"
)

// ErrNotFound is returned for keys that hold no blob.
var ErrNotFound = errors.New("blob not found")

// Store is a content addressed blob store.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Config selects and configures the blob backend.
type Config struct {
	Enabled      bool   `yaml:"enabled"`
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
	Prefix       string `yaml:"prefix"`
}

// Validate checks an enabled S3 configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Bucket == "" {
		return errors.New("blob_storage.bucket is required when enabled")
	}
	if c.Region == "" {
		return errors.New("blob_storage.region is required when enabled")
	}
	return nil
}

// Key derives the storage key of data for one owner. Identical content of
// the same owner shares a key.
func Key(owner int64, data []byte) string {
	sum := sha256.Sum256(data)
	return strconv.FormatInt(owner, 10) + "/" + hex.EncodeToString(sum[:])
}
