// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/AleutianAI/AleutianSignals/services/ingest/datatypes"
)

// DefaultCSVPath is the flat file used when none is configured.
const DefaultCSVPath = "signals.csv"

// CSVConfig configures a CSVFile.
type CSVConfig struct {
	Path string `yaml:"path" validate:"required"`

	// Header writes the column names when the file is new or empty.
	// Existing deployments have headerless files, so the default is off.
	Header bool `yaml:"header"`
}

// appendFile is the part of *os.File the CSV sink uses.
type appendFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

// CSVFile is the append-only flat sink.
//
// Each row is encoded in memory and handed to the OS in a single write
// before Write returns, so rows survive a crash of this process; Flush
// additionally fsyncs. A failed write affects only its own row: a partial
// row is truncated away and the next Write starts clean.
type CSVFile struct {
	mu   sync.Mutex
	f    appendFile
	size int64 // bytes of complete rows in the file
	buf  bytes.Buffer
	path string
}

// OpenCSV opens cfg.Path for appending, creating it if needed.
func OpenCSV(cfg CSVConfig) (*CSVFile, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultCSVPath
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create csv directory: %w", err)
		}
	}

	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open csv %s: %w", cfg.Path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat csv %s: %w", cfg.Path, err)
	}
	c := newCSVFile(f, cfg.Path, fi.Size())

	if cfg.Header && fi.Size() == 0 {
		if err := c.writeRow(datatypes.Columns); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
	}
	return c, nil
}

func newCSVFile(f appendFile, path string, size int64) *CSVFile {
	return &CSVFile{f: f, path: path, size: size}
}

// Name implements Sink.
func (c *CSVFile) Name() string { return "csv" }

// Path returns the file location.
func (c *CSVFile) Path() string { return c.path }

// Write implements Sink.
func (c *CSVFile) Write(ctx context.Context, sig datatypes.PersistedSignal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.f == nil {
		return ErrClosed
	}
	if err := c.writeRow(sig.Row()); err != nil {
		return fmt.Errorf("append to %s: %w", c.path, err)
	}
	return nil
}

// Flush implements Sink.
func (c *CSVFile) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.f == nil {
		return ErrClosed
	}
	if err := c.f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", c.path, err)
	}
	return nil
}

// Close implements Sink.
func (c *CSVFile) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}

// writeRow encodes row into the scratch buffer and appends it with one
// write. The encoder never sees the file, so no error outlives its row.
func (c *CSVFile) writeRow(row []string) error {
	c.buf.Reset()
	w := csv.NewWriter(&c.buf)
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	n, err := c.f.Write(c.buf.Bytes())
	if err == nil && n < c.buf.Len() {
		err = io.ErrShortWrite
	}
	if err != nil {
		if n > 0 {
			if terr := c.f.Truncate(c.size); terr != nil {
				return errors.Join(err, fmt.Errorf("truncate partial row: %w", terr))
			}
		}
		return err
	}
	c.size += int64(n)
	return nil
}
