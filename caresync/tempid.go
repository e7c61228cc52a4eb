// Copyright 2025 Carelum
// SPDX-License-Identifier: Apache-2.0

package caresync

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const tempIDPrefix = "temp_"

// IssueTemporaryID returns a placeholder identifier for a not-yet-persisted
// entity: temp_<unix-millis>_<random suffix>. Unique within a device's
// lifetime with overwhelming probability. Temporary ids are never sent to the
// remote backend as primary keys.
func IssueTemporaryID() string {
	suffix := strings.Split(uuid.New().String(), "-")[0]
	return fmt.Sprintf("%s%d_%s", tempIDPrefix, time.Now().UnixMilli(), suffix)
}

// IsTemporaryID reports whether id is a locally issued placeholder.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}
