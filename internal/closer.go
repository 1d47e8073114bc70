// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
)

// CloseAndLogIfError closes c and logs any non-nil error at Error level,
// tagged with the calling context. Storage code defers this in place of a
// bare rows.Close() so that a failed cleanup is logged rather than dropped.
func CloseAndLogIfError(ctx context.Context, c io.Closer, message string) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logger := logrus.WithContext(ctx)
		if ctx == nil {
			logger = logrus.NewEntry(logrus.StandardLogger())
		}
		logger.WithError(err).Error(message)
	}
}
