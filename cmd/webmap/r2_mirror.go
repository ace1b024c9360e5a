package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"mipmap.dev/internal/persistence/r2s3"
)

// buildR2Mirror returns nil when MIPMAP_R2_MIRROR is off; the mirror's
// methods are nil-safe.
func buildR2Mirror(worldsRoot string, cacheMaxAge int, logger *log.Logger) (*r2s3.Mirror, error) {
	if !envBool("MIPMAP_R2_MIRROR", false) {
		return nil, nil
	}

	endpoint := strings.TrimSpace(os.Getenv("MIPMAP_R2_ENDPOINT"))
	bucket := strings.TrimSpace(os.Getenv("MIPMAP_R2_BUCKET"))
	accessKeyID := strings.TrimSpace(os.Getenv("MIPMAP_R2_ACCESS_KEY_ID"))
	secretAccessKey := strings.TrimSpace(os.Getenv("MIPMAP_R2_SECRET_ACCESS_KEY"))
	prefix := strings.TrimSpace(os.Getenv("MIPMAP_R2_PREFIX"))

	if endpoint == "" || bucket == "" || accessKeyID == "" || secretAccessKey == "" {
		return nil, fmt.Errorf("MIPMAP_R2_MIRROR=true but MIPMAP_R2_ENDPOINT/MIPMAP_R2_BUCKET/MIPMAP_R2_ACCESS_KEY_ID/MIPMAP_R2_SECRET_ACCESS_KEY are not fully set")
	}

	client, err := r2s3.New(endpoint, bucket, accessKeyID, secretAccessKey)
	if err != nil {
		return nil, err
	}

	cfg := r2s3.MirrorConfig{
		Root:          worldsRoot,
		Prefix:        prefix,
		Workers:       envInt("MIPMAP_R2_UPLOAD_WORKERS", 2),
		QueueCapacity: envInt("MIPMAP_R2_QUEUE_CAPACITY", 4096),
		EnqueueWait:   time.Duration(envInt("MIPMAP_R2_ENQUEUE_WAIT_MS", 25)) * time.Millisecond,
		MaxAttempts:   envInt("MIPMAP_R2_MAX_ATTEMPTS", 4),
		Logger:        logger,
	}
	if cacheMaxAge > 0 {
		cfg.CacheControl = "public, max-age=" + strconv.Itoa(cacheMaxAge)
	}
	logger.Printf("r2 mirror enabled bucket=%s prefix=%q workers=%d", bucket, prefix, cfg.Workers)
	return r2s3.NewMirror(client, cfg), nil
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
