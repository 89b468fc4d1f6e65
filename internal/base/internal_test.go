// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func (k InternalKey) encodedString() string {
	buf := make([]byte, k.Size())
	k.Encode(buf)
	return string(buf)
}

func TestInternalKey(t *testing.T) {
	k := MakeInternalKey([]byte("foo"), 0x08070605040302, 1)
	if got, want := k.encodedString(), "foo\x01\x02\x03\x04\x05\x06\x07\x08"; got != want {
		t.Fatalf("k = %q want %q", got, want)
	}
	require.True(t, k.Valid())
	require.Equal(t, "foo", string(k.UserKey))
	require.Equal(t, SeqNum(0x08070605040302), k.SeqNum())
	require.Equal(t, InternalKeyKindSet, k.Kind())

	d := DecodeInternalKey([]byte(k.encodedString()))
	require.Equal(t, k, d)
}

func TestInvalidInternalKey(t *testing.T) {
	testCases := []string{
		"",
		"\x01\x02\x03\x04\x05\x06\x07",
		"foo",
		"foo\x08\x07\x06\x05\x04\x03\x02",
		"foo\x08\x07\x06\x05\x04\x03\x02\x01",
	}
	for _, tc := range testCases {
		k := DecodeInternalKey([]byte(tc))
		require.False(t, k.Valid(), "%q", tc)
	}
}

func TestCheckedInternalKey(t *testing.T) {
	_, err := MakeCheckedInternalKey([]byte("a"), 1, InternalKeyKindSet)
	require.NoError(t, err)
	_, err = MakeCheckedInternalKey([]byte("a"), 1, InternalKeyKindDelete)
	require.NoError(t, err)
	_, err = MakeCheckedInternalKey([]byte("a"), 1, InternalKeyKind(2))
	require.ErrorIs(t, err, ErrInvalidKind)
	_, err = MakeCheckedInternalKey([]byte("a"), SeqNumMax+1, InternalKeyKindSet)
	require.Error(t, err)
}

func TestInternalKeyComparer(t *testing.T) {
	// keys are some internal keys, in sorted order.
	keys := []string{
		// The empty key is the smallest user key.
		"",
		// Empty user keys order by descending trailer.
		"\x00\xff\xff\xff\xff\xff\xff\xff",
		"\x01\x01\x00\x00\x00\x00\x00\x00",
		"\x00\x01\x00\x00\x00\x00\x00\x00",
		"\x01\x00\x00\x00\x00\x00\x00\x00",
		"\x00\x00\x00\x00\x00\x00\x00\x00",
		"blue" + "\x01\x11\x00\x00\x00\x00\x00\x00",
		"d" + "\x01\x0c\x00\x00\x00\x00\x00\x00",
		"d" + "\x00\x0c\x00\x00\x00\x00\x00\x00",
		"d" + "\x01\x0b\x00\x00\x00\x00\x00\x00",
		"dog" + "\x01\x00\x00\x00\x00\x00\x00\x00",
		"dogs" + "\x01\x00\x00\x00\x00\x00\x00\x00",
		"green" + "\x01\x00\x00\x00\x00\x00\x00\x00",
	}
	c := DefaultComparer.Compare
	for i := range keys {
		for j := range keys {
			ik := DecodeInternalKey([]byte(keys[i]))
			jk := DecodeInternalKey([]byte(keys[j]))
			if ik.Valid() != jk.Valid() {
				continue
			}
			got := InternalCompare(c, ik, jk)
			want := 0
			if i < j {
				want = -1
			} else if i > j {
				want = +1
			}
			require.Equalf(t, want, got, "i=%d j=%d keys[i]=%q keys[j]=%q", i, j, keys[i], keys[j])
		}
	}
}

// At equal sequence numbers a Set must sort before a Delete, and a higher
// sequence number must always sort first regardless of kind.
func TestInternalKeyKindTieBreak(t *testing.T) {
	cmp := DefaultComparer.Compare
	set := MakeInternalKey([]byte("a"), 5, InternalKeyKindSet)
	del := MakeInternalKey([]byte("a"), 5, InternalKeyKindDelete)
	require.Equal(t, -1, InternalCompare(cmp, set, del))

	newerDel := MakeInternalKey([]byte("a"), 6, InternalKeyKindDelete)
	require.Equal(t, -1, InternalCompare(cmp, newerDel, set))

	// A search key sorts before every real entry of the same user key.
	search := MakeSearchKey([]byte("a"))
	for _, k := range []InternalKey{set, del, newerDel} {
		require.Equal(t, -1, InternalCompare(cmp, search, k))
	}

	keys := []InternalKey{
		MakeInternalKey([]byte("b"), 1, InternalKeyKindSet),
		del, set, newerDel,
		MakeInternalKey([]byte("a"), 1, InternalKeyKindSet),
	}
	sort.Slice(keys, func(i, j int) bool { return InternalCompare(cmp, keys[i], keys[j]) < 0 })
	var got []string
	for _, k := range keys {
		got = append(got, k.String())
	}
	require.Equal(t, []string{"a#6,DEL", "a#5,SET", "a#5,DEL", "a#1,SET", "b#1,SET"}, got)
}

func TestInternalKeySeparator(t *testing.T) {
	testCases := []struct {
		a        string
		b        string
		expected string
	}{
		{"foo.SET.100", "foo.SET.99", "foo.SET.100"},
		{"foo.SET.100", "foo.SET.100", "foo.SET.100"},
		{"foo.SET.100", "foo.DEL.100", "foo.SET.100"},
		{"foo.SET.100", "foo.SET.101", "foo.SET.100"},
		{"foo.SET.100", "bar.SET.99", "foo.SET.100"},
		{"foo.SET.100", "hello.SET.200", "g#inf,SET"},
		{"ABC1AAAAA.SET.100", "ABC2ABB.SET.200", "ABC2#inf,SET"},
		{"AAA1AAA.SET.100", "AAA2AA.SET.200", "AAA2#inf,SET"},
		{"AAA1AAA.SET.100", "AAA4.SET.200", "AAA2#inf,SET"},
		{"AAA1AAA.SET.100", "AAA2.SET.200", "AAA1B#inf,SET"},
		{"AAA1AAA.SET.100", "AAA2A.SET.200", "AAA2#inf,SET"},
		{"AAA1.SET.100", "AAA2.SET.200", "AAA1.SET.100"},
		{"foo.SET.100", "foobar.SET.200", "foo.SET.100"},
		{"foobar.SET.100", "foo.SET.200", "foobar.SET.100"},
	}
	d := DefaultComparer
	for _, c := range testCases {
		t.Run("", func(t *testing.T) {
			a := parseDotKey(c.a)
			b := parseDotKey(c.b)
			result := a.Separator(d.Compare, d.Separator, nil, b)
			got := result.String()
			if bytes.Equal(result.UserKey, a.UserKey) && result.Trailer == a.Trailer {
				got = c.a
			}
			require.Equal(t, c.expected, got)
		})
	}
}

func TestInternalKeySuccessor(t *testing.T) {
	d := DefaultComparer
	k := MakeInternalKey([]byte("abc"), 9, InternalKeyKindSet)
	s := k.Successor(d.Compare, d.Successor, nil)
	require.Equal(t, "b#inf,SET", s.String())

	k = MakeInternalKey([]byte("\xff\xff"), 9, InternalKeyKindSet)
	require.Equal(t, k, k.Successor(d.Compare, d.Successor, nil))
}

func TestParseInternalKey(t *testing.T) {
	k := ParseInternalKey("foo#12,DEL")
	require.Equal(t, "foo", string(k.UserKey))
	require.Equal(t, SeqNum(12), k.SeqNum())
	require.Equal(t, InternalKeyKindDelete, k.Kind())
}

// parseDotKey parses keys of the form "<user-key>.<kind>.<seq>".
func parseDotKey(s string) InternalKey {
	var i, j int
	for i = len(s) - 1; s[i] != '.'; i-- {
	}
	for j = i - 1; s[j] != '.'; j-- {
	}
	kind := InternalKeyKindSet
	if s[j+1:i] == "DEL" {
		kind = InternalKeyKindDelete
	}
	var seq uint64
	for _, c := range s[i+1:] {
		seq = seq*10 + uint64(c-'0')
	}
	return MakeInternalKey([]byte(s[:j]), SeqNum(seq), kind)
}
