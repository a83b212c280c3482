// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ttl

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

type fakeDropper struct {
	dropped []int64
	err     error
}

func (f *fakeDropper) Drop(_ context.Context, chatID int64) error {
	if f.err != nil {
		return f.err
	}
	f.dropped = append(f.dropped, chatID)
	return nil
}

type fakeHistoryDeleter struct {
	deleted []int64
	err     error
}

func (f *fakeHistoryDeleter) Delete(_ context.Context, chatID int64) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, chatID)
	return nil
}

type fakeUploadRemover struct {
	removed []string
	failFor map[string]error
}

func (f *fakeUploadRemover) RemoveByURL(url string) error {
	if err, ok := f.failFor[url]; ok {
		return err
	}
	f.removed = append(f.removed, url)
	return nil
}

func TestCleaner_FullCascade(t *testing.T) {
	index := &fakeDropper{}
	hist := &fakeHistoryDeleter{}
	files := &fakeUploadRemover{}
	c := NewCleaner(index, hist, files)

	sources := []datatypes.SourceDocument{
		{URL: "/uploads/a.pdf"},
		{URL: "https://example.com/b.pdf"},
	}
	result := c.Cleanup(context.Background(), 7, sources)

	assert.True(t, result.Complete())
	assert.Equal(t, []int64{7}, index.dropped)
	assert.Equal(t, []int64{7}, hist.deleted)
	assert.Equal(t, []string{"/uploads/a.pdf", "https://example.com/b.pdf"}, files.removed)
}

func TestCleaner_IndexFailureDoesNotStopCascade(t *testing.T) {
	index := &fakeDropper{err: errors.New("weaviate down")}
	hist := &fakeHistoryDeleter{}
	files := &fakeUploadRemover{}
	c := NewCleaner(index, hist, files)

	result := c.Cleanup(context.Background(), 7, []datatypes.SourceDocument{{URL: "/uploads/a.pdf"}})

	assert.False(t, result.Complete())
	assert.False(t, result.IndexDropped)
	assert.True(t, result.HistoryDeleted)
	assert.Equal(t, 1, result.UploadsRemoved)
}

func TestCleaner_PartialUploadFailure(t *testing.T) {
	files := &fakeUploadRemover{failFor: map[string]error{
		"/uploads/bad.pdf": errors.New("permission denied"),
	}}
	c := NewCleaner(&fakeDropper{}, &fakeHistoryDeleter{}, files)

	sources := []datatypes.SourceDocument{
		{URL: "/uploads/good.pdf"},
		{URL: "/uploads/bad.pdf"},
	}
	result := c.Cleanup(context.Background(), 3, sources)

	assert.False(t, result.Complete())
	assert.Equal(t, 2, result.UploadsAttempts)
	assert.Equal(t, 1, result.UploadsRemoved)
}

func TestCleaner_NilUploads(t *testing.T) {
	c := NewCleaner(&fakeDropper{}, &fakeHistoryDeleter{}, nil)

	result := c.Cleanup(context.Background(), 1, []datatypes.SourceDocument{{URL: "/uploads/a.pdf"}})

	assert.True(t, result.Complete())
	assert.Zero(t, result.UploadsAttempts)
}
