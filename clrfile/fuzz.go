// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrfile

import "bytes"

// Fuzz follows the teacher's go-fuzz convention (a bare Fuzz([]byte) int
// function picked up by the external go-fuzz-build tool, never an
// import): decode-only, returns 1 on a successful parse, 0 otherwise.
func Fuzz(data []byte) int {
	m, err := decode(bytes.NewReader(data))
	if err != nil {
		return 0
	}
	if m == nil {
		return 0
	}
	return 1
}
