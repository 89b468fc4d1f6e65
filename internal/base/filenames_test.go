// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"io"
	"testing"

	"github.com/cockroachdb/shingle/vfs"
	"github.com/stretchr/testify/require"
)

func TestParseFilename(t *testing.T) {
	testCases := map[string]bool{
		"000000.log":           true,
		"000000.log.zip":       false,
		"000000..log":          false,
		"000001-002.log":       false,
		"a000000.log":          false,
		"abcdef.log":           false,
		"000001ldb":            false,
		"000001.sst":           true,
		"CURRENT":              true,
		"LOCK":                 true,
		"xLOCK":                false,
		"x.LOCK":               false,
		"LOG":                  true,
		"LOG.old":              true,
		"MANIFEST":             false,
		"MANIFEST123456":       false,
		"MANIFEST-":            false,
		"MANIFEST-123456":      true,
		"MANIFEST-123456.doc":  false,
		"OPTIONS-123456":       true,
		"OPTIONS-":             false,
		"CURRENT.123456":       false,
		"CURRENT.dbtmp":        false,
		"CURRENT.123456.dbtmp": true,
	}
	fs := vfs.NewMem()
	for tc, want := range testCases {
		_, _, got := ParseFilename(fs, fs.PathJoin("foo", tc))
		require.Equalf(t, want, got, "%q", tc)
	}
}

func TestFilenameRoundTrip(t *testing.T) {
	testCases := map[FileType]bool{
		// CURRENT and LOCK files aren't numbered.
		FileTypeCurrent: false,
		FileTypeLock:    false,
		// The remaining file types are numbered.
		FileTypeLog:      true,
		FileTypeManifest: true,
		FileTypeTable:    true,
		FileTypeOptions:  true,
		FileTypeTemp:     true,
	}
	fs := vfs.NewMem()
	for fileType, numbered := range testCases {
		fileNums := []FileNum{0}
		if numbered {
			fileNums = []FileNum{0, 1, 2, 3, 10, 42, 99, 1001}
		}
		for _, fileNum := range fileNums {
			filename := MakeFilepath(fs, "foo", fileType, fileNum)
			gotFT, gotFN, gotOK := ParseFilename(fs, filename)
			require.True(t, gotOK, filename)
			require.Equal(t, fileType, gotFT, filename)
			require.Equal(t, fileNum, gotFN, filename)
		}
	}
}

func TestSetCurrentFile(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("db", 0755))
	require.NoError(t, SetCurrentFile("db", fs, 7))
	require.NoError(t, SetCurrentFile("db", fs, 12))

	f, err := fs.Open(fs.PathJoin("db", "CURRENT"))
	require.NoError(t, err)
	defer f.Close()
	b, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, "MANIFEST-000012\n", string(b))

	ls, err := fs.List("db")
	require.NoError(t, err)
	require.Equal(t, []string{"CURRENT"}, ls)
}
