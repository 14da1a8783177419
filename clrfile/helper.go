// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrfile

import (
	"golang.org/x/text/encoding/unicode"
)

// DecodeUTF16LE decodes a little-endian UTF-16 byte run, the same
// encoding the teacher's helper.go uses golang.org/x/text/encoding/unicode
// for when reading PE resource/version strings. The debug-symbol
// sidecar stores source-document paths this way, since they typically
// originate from a Windows-hosted toolchain.
func DecodeUTF16LE(b []byte) (string, error) {
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := decoder.Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// EncodeUTF16LE encodes s as little-endian UTF-16, the inverse of
// DecodeUTF16LE.
func EncodeUTF16LE(s string) ([]byte, error) {
	encoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	return encoder.Bytes([]byte(s))
}

// IsBitSet reports whether bit position pos is set in v, the same
// helper the teacher exposes for its Heaps bit-vector checks
// (dotnet.go's GetMetadataStreamIndexSize).
func IsBitSet(v uint64, pos int) bool {
	return v&(1<<uint(pos)) != 0
}
