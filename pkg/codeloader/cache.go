/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package codeloader

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/carverauto/proberadar/pkg/models"
	"github.com/carverauto/proberadar/pkg/session"
)

var errCachePathRequired = errors.New("code cache path is required")

// FileCache persists the last known good control logic as a single JSON
// record that is replaced atomically.
type FileCache struct {
	path string
	mu   sync.Mutex
}

// NewFileCache constructs a file-backed code cache.
func NewFileCache(path string) (*FileCache, error) {
	if path == "" {
		return nil, errCachePathRequired
	}

	return &FileCache{path: path}, nil
}

// Load returns the cached entry, or nil when there is none.
func (c *FileCache) Load() (*models.CodeCacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("read code cache: %w", err)
	}

	var entry models.CodeCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode code cache: %w", err)
	}

	return &entry, nil
}

// Store replaces the cached entry.
func (c *FileCache) Store(entry *models.CodeCacheEntry) error {
	if entry == nil {
		return nil
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode code cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := session.WriteFileAtomic(c.path, payload, 0o600); err != nil {
		return fmt.Errorf("persist code cache: %w", err)
	}

	return nil
}
