// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ids formats the two run-identifier shapes used across the
// pipeline: sequenced run ids and skip ids for runs that performed no
// persisted work.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// skipTZ is the fixed timezone used to format skip ids, regardless of the
// server's local timezone or a schedule's configured timezone.
var skipTZ = mustLoadLocation("Asia/Kolkata")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		// Asia/Kolkata is a standard IANA zone; absence means a broken
		// tzdata install, which every other timezone-aware path would
		// also fail on.
		panic(fmt.Sprintf("ids: loading timezone %q: %v", name, err))
	}
	return loc
}

// FormatRunID formats a sequenced run id from its allocated number.
func FormatRunID(n int64) string {
	return fmt.Sprintf("RUN%d", n)
}

// base36Alphabet is used for the two random characters appended to a skip id.
const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewSkipID formats a skip id: SKIP-YYYYMMDD-HHMMSS-xx, timestamped in
// Asia/Kolkata regardless of the caller's local timezone, with two random
// base-36 characters to disambiguate same-second skips.
func NewSkipID(now time.Time) (string, error) {
	suffix, err := randomBase36(2)
	if err != nil {
		return "", err
	}
	ts := now.In(skipTZ)
	return fmt.Sprintf("SKIP-%s-%s", ts.Format("20060102-150405"), suffix), nil
}

func randomBase36(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating random suffix: %w", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = base36Alphabet[int(b)%len(base36Alphabet)]
	}
	return string(out), nil
}

// IsSkipID reports whether id has the SKIP- prefix shape.
func IsSkipID(id string) bool {
	return len(id) > 5 && id[:5] == "SKIP-"
}

// NewScheduleID generates an opaque schedule identifier. Panics only if
// the system's random source is unavailable, matching NewSkipID's
// randomBase36 failure mode but without a propagatable error — schedule
// creation has no caller that can usefully recover from this.
func NewScheduleID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("ids: generating schedule id: %v", err))
	}
	return "sched-" + hex.EncodeToString(buf)
}
