// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import "strings"

// sqliteIn builds the "?,?,?" placeholder list a dynamic IN (...) clause
// needs, since SQLite has no ANY($1) array operator the way postgres does.
func sqliteIn(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('?')
	}
	return b.String()
}

func int64sToArgs(nids []int64) []interface{} {
	args := make([]interface{}, len(nids))
	for i, n := range nids {
		args[i] = n
	}
	return args
}

func stringsToArgs(ss []string) []interface{} {
	args := make([]interface{}, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}
