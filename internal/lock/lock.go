// Copyright (c) 2026 John Earle
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

// Package lock claims extraction work in Redis so that concurrent batch
// runners never run the same task against the same email twice.
package lock

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL bounds how long a claim survives a crashed worker. It must
	// exceed the completion timeout.
	DefaultTTL = 10 * time.Minute

	// keyPrefix namespaces claim keys in Redis.
	keyPrefix = "mailextract:claim:"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out claims on (email, attachment, task) triples.
type Locker struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewLocker creates a Redis-backed locker. A non-positive ttl uses
// DefaultTTL.
func NewLocker(rdb *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Locker{rdb: rdb, ttl: ttl}
}

// Claim is a held lock. Release it when the run is done.
type Claim struct {
	Key   string
	token string
}

// Key builds the claim key for a run.
func Key(emailID uuid.UUID, attachmentID *int64, promptID string) string {
	att := "-"
	if attachmentID != nil {
		att = strconv.FormatInt(*attachmentID, 10)
	}
	return keyPrefix + promptID + ":" + emailID.String() + ":" + att
}

// Claim takes the lock for a run. It returns nil without error when
// another worker holds it.
func (l *Locker) Claim(ctx context.Context, emailID uuid.UUID, attachmentID *int64, promptID string) (*Claim, error) {
	c := &Claim{
		Key:   Key(emailID, attachmentID, promptID),
		token: uuid.NewString(),
	}

	// SET NX = set only if key does not exist. Returns true if the key was set.
	set, err := l.rdb.SetNX(ctx, c.Key, c.token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("claim SETNX: %w", err)
	}
	if !set {
		return nil, nil
	}
	return c, nil
}

// Release frees a claim if it is still ours.
func (l *Locker) Release(ctx context.Context, c *Claim) error {
	if c == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.rdb, []string{c.Key}, c.token).Err(); err != nil {
		return fmt.Errorf("release claim %s: %w", c.Key, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (l *Locker) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return l.rdb.Ping(ctx).Err()
}
