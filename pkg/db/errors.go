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

package db

import "errors"

var (
	ErrFailedOpenDB = errors.New("failed to open database")
	ErrFailedToInit = errors.New("failed to initialize schema")
	// ErrCorrupt means the integrity check failed. Callers move the file
	// aside and start an empty store.
	ErrCorrupt = errors.New("database is corrupt")
	// ErrWorkerClosed is returned by Do after Close.
	ErrWorkerClosed = errors.New("transaction worker closed")
)
