package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/config"
)

const objectStateKey = "config.json"

// ObjectStoreConfig configures an S3-compatible state store.
type ObjectStoreConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	// LocalRoot receives a shadow copy of every saved document.
	LocalRoot string
	UseSSL    bool
	PathStyle bool
}

// ObjectStore keeps the state document as a single object in a bucket.
type ObjectStore struct {
	client *minio.Client
	bucket string
	local  string
}

// NewObjectStore connects to the endpoint and ensures the bucket exists.
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("object store: endpoint and bucket are required")
	}
	lookup := minio.BucketLookupAuto
	if cfg.PathStyle {
		lookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("object store: client: %w", err)
	}
	s := &ObjectStore{client: client, bucket: cfg.Bucket, local: cfg.LocalRoot}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("object store: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("object store: create bucket: %w", err)
		}
	}
	return s, nil
}

func (s *ObjectStore) Load(ctx context.Context) (*config.State, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectStateKey, minio.GetObjectOptions{})
	if err != nil {
		return s.loadLocal(err)
	}
	defer obj.Close()
	raw, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return config.DefaultState(), nil
		}
		return s.loadLocal(err)
	}
	var st config.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("object store: decode state: %w", err)
	}
	return &st, nil
}

func (s *ObjectStore) Save(ctx context.Context, st *config.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("object store: encode state: %w", err)
	}
	s.saveLocal(raw)
	_, err = s.client.PutObject(ctx, s.bucket, objectStateKey,
		bytes.NewReader(raw), int64(len(raw)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("object store: save: %w", err)
	}
	return nil
}

func (s *ObjectStore) Describe() string {
	return "object:" + s.bucket + "/" + objectStateKey
}

func (s *ObjectStore) localPath() string {
	if s.local == "" {
		return ""
	}
	return filepath.Join(s.local, objectStateKey)
}

func (s *ObjectStore) saveLocal(raw []byte) {
	path := s.localPath()
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		log.WithError(err).Debug("Failed to create object store shadow dir")
		return
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		log.WithError(err).Debug("Failed to shadow state document")
	}
}

func (s *ObjectStore) loadLocal(cause error) (*config.State, error) {
	path := s.localPath()
	if path != "" {
		if raw, err := os.ReadFile(path); err == nil {
			var st config.State
			if err := json.Unmarshal(raw, &st); err == nil {
				log.WithError(cause).Warn("Object store unreachable, using shadow copy")
				return &st, nil
			}
		}
	}
	if minio.ToErrorResponse(cause).Code == "NoSuchKey" {
		return config.DefaultState(), nil
	}
	return nil, fmt.Errorf("object store: load: %w", cause)
}
