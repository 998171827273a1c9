// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

//go:embed defaults
var defaultsFS embed.FS

// Source supplies raw configuration documents by name ("routing.yaml",
// "endpoints.yaml", "domains/tax_services.yaml").
type Source interface {
	// Name identifies the source in logs and snapshot metadata.
	Name() string

	// ReadFile returns the document. Missing documents return an error
	// wrapping fs.ErrNotExist.
	ReadFile(ctx context.Context, name string) ([]byte, error)
}

// =============================================================================
// EmbeddedSource
// =============================================================================

// EmbeddedSource serves the defaults compiled into the binary.
type EmbeddedSource struct{}

// NewEmbeddedSource returns the embedded default source.
func NewEmbeddedSource() EmbeddedSource { return EmbeddedSource{} }

func (EmbeddedSource) Name() string { return "embedded" }

func (EmbeddedSource) ReadFile(_ context.Context, name string) ([]byte, error) {
	data, err := defaultsFS.ReadFile(path.Join("defaults", name))
	if err != nil {
		return nil, fmt.Errorf("embedded %s: %w", name, err)
	}
	return data, nil
}

// =============================================================================
// DirSource
// =============================================================================

// DirSource reads documents from a directory on disk.
//
// When Fallback is set, documents missing from Dir are read from Fallback,
// so a directory only needs the files it overrides.
type DirSource struct {
	Dir      string
	Fallback Source
}

// NewDirSource returns a directory source with the embedded defaults as fallback.
func NewDirSource(dir string) *DirSource {
	return &DirSource{Dir: dir, Fallback: EmbeddedSource{}}
}

func (d *DirSource) Name() string { return "dir:" + d.Dir }

func (d *DirSource) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return nil, fmt.Errorf("document name %q escapes the config directory", name)
	}

	p := filepath.Join(d.Dir, clean)
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) && d.Fallback != nil {
		return d.Fallback.ReadFile(ctx, name)
	}
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxYAMLFileSize {
		return nil, fmt.Errorf("%s exceeds maximum size (%d > %d)", p, info.Size(), MaxYAMLFileSize)
	}
	return os.ReadFile(p)
}

// =============================================================================
// GCSSource
// =============================================================================

// GCSSource reads documents from a Google Cloud Storage bucket prefix.
//
// Thread Safety: Safe for concurrent use; the storage client is.
type GCSSource struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSource opens a GCS client for gs://bucket/prefix.
//
// Description:
//
//	Uses Application Default Credentials unless credentialsFile is non-empty
//	(GOOGLE_APPLICATION_CREDENTIALS is honored by ADC as well).
//
// Inputs:
//
//	ctx - Context for client creation.
//	uri - A gs:// URI.
//	credentialsFile - Optional service account JSON path.
//
// Outputs:
//
//	*GCSSource - The source. Callers must Close it.
//	error - Non-nil if the URI is malformed or the client cannot be created.
func NewGCSSource(ctx context.Context, uri, credentialsFile string) (*GCSSource, error) {
	bucket, prefix, err := parseGCSURI(uri)
	if err != nil {
		return nil, err
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewGCSSource: creating storage client: %w", err)
	}
	return &GCSSource{client: client, bucket: bucket, prefix: prefix}, nil
}

func (g *GCSSource) Name() string { return "gs://" + path.Join(g.bucket, g.prefix) }

func (g *GCSSource) ReadFile(ctx context.Context, name string) ([]byte, error) {
	obj := g.client.Bucket(g.bucket).Object(path.Join(g.prefix, name))
	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", g.Name(), name, fs.ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", g.Name(), name, err)
	}
	defer func() { _ = r.Close() }()

	if r.Attrs.Size > MaxYAMLFileSize {
		return nil, fmt.Errorf("%s/%s exceeds maximum size (%d > %d)", g.Name(), name, r.Attrs.Size, MaxYAMLFileSize)
	}
	return io.ReadAll(io.LimitReader(r, MaxYAMLFileSize+1))
}

// Close releases the storage client.
func (g *GCSSource) Close() error {
	return g.client.Close()
}

func parseGCSURI(uri string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("invalid GCS URI %q: want gs://bucket/prefix", uri)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid GCS URI %q: missing bucket", uri)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

// =============================================================================
// OpenSource
// =============================================================================

// OpenSource picks a source from a location string.
//
//	""              embedded defaults
//	gs://bucket/p   Google Cloud Storage
//	anything else   a directory, with embedded fallback
//
// The returned io.Closer is non-nil only for sources holding resources.
func OpenSource(ctx context.Context, location string) (Source, io.Closer, error) {
	switch {
	case location == "":
		return EmbeddedSource{}, nil, nil
	case strings.HasPrefix(location, "gs://"):
		src, err := NewGCSSource(ctx, location, os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
		if err != nil {
			return nil, nil, err
		}
		return src, src, nil
	default:
		info, err := os.Stat(location)
		if err != nil {
			return nil, nil, fmt.Errorf("OpenSource: %w", err)
		}
		if !info.IsDir() {
			return nil, nil, fmt.Errorf("OpenSource: %s is not a directory", location)
		}
		return NewDirSource(location), nil, nil
	}
}
