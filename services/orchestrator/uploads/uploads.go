// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package uploads stores source document files on local disk.
//
// Files are written under a configured directory with UUID names and served
// back through the static /uploads route; the stored URL is what chats
// reference and what the indexer resolves.
package uploads

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// ErrNotPDF is returned for uploads that are not PDF documents.
var ErrNotPDF = errors.New("only PDF documents can be attached to a chat")

// maxUploadBytes bounds the size of a single uploaded file.
const maxUploadBytes = 32 << 20 // 32MB

// urlPrefix is the public route prefix for stored files.
const urlPrefix = "/uploads/"

// Service stores and removes uploaded source files.
//
// Thread Safety: safe for concurrent use; every stored file gets a unique
// name so writers never collide.
type Service struct {
	dir string
}

// NewService creates the upload store, creating dir if needed.
func NewService(dir string) (*Service, error) {
	if dir == "" {
		return nil, errors.New("upload directory is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create upload directory %s: %w", dir, err)
	}
	return &Service{dir: dir}, nil
}

// Dir returns the backing directory, for the static file route.
func (s *Service) Dir() string {
	return s.dir
}

// CheckPDF validates that an upload is a PDF by MIME type or extension.
func CheckPDF(filename, mime string) error {
	if strings.EqualFold(mime, "application/pdf") {
		return nil
	}
	if strings.EqualFold(filepath.Ext(filename), ".pdf") {
		return nil
	}
	return fmt.Errorf("%s: %w", filename, ErrNotPDF)
}

// Store writes one uploaded file and returns its source document record.
//
// # Description
//
// The file is stored under a fresh UUID name with the original extension;
// the original filename survives only as display metadata. Reads are capped
// at 32MB; a larger file fails rather than being truncated.
func (s *Service) Store(filename, mime string, r io.Reader) (datatypes.SourceDocument, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	name := uuid.NewString() + ext

	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return datatypes.SourceDocument{}, fmt.Errorf("create upload file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(r, maxUploadBytes+1))
	if err != nil {
		os.Remove(f.Name())
		return datatypes.SourceDocument{}, fmt.Errorf("write upload file: %w", err)
	}
	if n > maxUploadBytes {
		os.Remove(f.Name())
		return datatypes.SourceDocument{}, fmt.Errorf("upload %s exceeds the %dMB limit", filename, maxUploadBytes>>20)
	}

	return datatypes.SourceDocument{
		URL:  urlPrefix + name,
		Name: filename,
		MIME: mime,
	}, nil
}

// RemoveByURL deletes the stored file referenced by a source URL. URLs
// outside the uploads route (external http sources) are ignored. A missing
// file is not an error.
func (s *Service) RemoveByURL(url string) error {
	if !strings.HasPrefix(url, urlPrefix) {
		return nil
	}
	// path.Base strips any traversal a stored URL might carry.
	local := filepath.Join(s.dir, path.Base(url))
	if err := os.Remove(local); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove upload %s: %w", url, err)
	}
	return nil
}
