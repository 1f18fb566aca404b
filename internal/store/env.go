package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/util"
)

// lookupEnv accepts both the canonical upper-case name and its lower-case
// form, matching how container platforms surface user-supplied variables.
func lookupEnv(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), true
	}
	if v, ok := os.LookupEnv(strings.ToLower(key)); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), true
	}
	return "", false
}

// FromEnv picks the state backend from the environment. Postgres wins over
// object storage, which wins over git; with none configured the local file
// store is used. statePath only applies to the file backend.
func FromEnv(ctx context.Context, statePath string) (StateStore, error) {
	if dsn, ok := lookupEnv("PGSTORE_DSN"); ok {
		schema, _ := lookupEnv("PGSTORE_SCHEMA")
		spool := defaultSubdir("pg-spool")
		log.Info("Using Postgres state store")
		return NewPostgresStore(ctx, PostgresStoreConfig{DSN: dsn, Schema: schema, SpoolDir: spool})
	}

	endpoint, okEndpoint := lookupEnv("OBJECTSTORE_ENDPOINT")
	bucket, okBucket := lookupEnv("OBJECTSTORE_BUCKET")
	accessKey, okAccess := lookupEnv("OBJECTSTORE_ACCESS_KEY")
	secretKey, okSecret := lookupEnv("OBJECTSTORE_SECRET_KEY")
	if okEndpoint && okBucket && okAccess && okSecret {
		useSSL := true
		if v, ok := lookupEnv("OBJECTSTORE_USE_SSL"); ok && (v == "false" || v == "0") {
			useSSL = false
		}
		pathStyle := false
		if v, ok := lookupEnv("OBJECTSTORE_PATH_STYLE"); ok && (v == "true" || v == "1") {
			pathStyle = true
		}
		log.Info("Using object state store")
		return NewObjectStore(ctx, ObjectStoreConfig{
			Endpoint:  endpoint,
			Bucket:    bucket,
			AccessKey: accessKey,
			SecretKey: secretKey,
			LocalRoot: defaultSubdir("object-shadow"),
			UseSSL:    useSSL,
			PathStyle: pathStyle,
		})
	}

	if remote, ok := lookupEnv("GITSTORE_GIT_URL"); ok {
		user, _ := lookupEnv("GITSTORE_USERNAME")
		token, _ := lookupEnv("GITSTORE_TOKEN")
		branch, _ := lookupEnv("GITSTORE_BRANCH")
		log.Info("Using git state store")
		return NewGitStore(GitStoreConfig{
			RemoteURL: remote,
			Branch:    branch,
			Username:  user,
			Password:  token,
		})
	}

	return NewFileStore(statePath)
}

func defaultSubdir(name string) string {
	return filepath.Join(util.WritablePath(), name)
}
