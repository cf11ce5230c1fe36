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

package models

import "time"

// Session is the authenticated channel state shared with the server. Only the
// session manager mutates it; everyone else receives copies.
type Session struct {
	DeviceID    string    `json:"device_id"`
	Token       string    `json:"-"`
	Cookie      string    `json:"cookie,omitempty"`
	Epoch       int64     `json:"epoch"`
	LastContact time.Time `json:"last_contact,omitempty"`
}

// Valid reports whether the session carries a server-issued cookie.
func (s *Session) Valid() bool {
	return s != nil && s.Cookie != ""
}

// CodeCacheEntry is the last control-logic payload that fetched and validated
// successfully.
type CodeCacheEntry struct {
	Version     string    `json:"version"`
	SHA256      string    `json:"sha256"`
	RetrievedAt time.Time `json:"retrieved_at"`
	Payload     []byte    `json:"payload"`
}
