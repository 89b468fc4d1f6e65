// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/internal/base"
)

// key is a flag value holding a user key. The "hex:" prefix decodes a
// hexadecimal key and "raw:" escapes a key that would otherwise start with a
// prefix.
type key []byte

func (k *key) String() string {
	return string(*k)
}

func (k *key) Type() string {
	return "key"
}

func (k *key) Set(v string) error {
	switch {
	case strings.HasPrefix(v, "hex:"):
		b, err := hex.DecodeString(strings.TrimPrefix(v, "hex:"))
		if err != nil {
			return err
		}
		*k = key(b)
	case strings.HasPrefix(v, "raw:"):
		*k = key(strings.TrimPrefix(v, "raw:"))
	default:
		*k = key(v)
	}
	return nil
}

func parseKey(v string) ([]byte, error) {
	var k key
	if err := k.Set(v); err != nil {
		return nil, err
	}
	return k, nil
}

// formatter is a flag value selecting how keys or values are printed:
// "quoted", "hex", "size", "null", or a fmt verb such as "%x".
type formatter struct {
	spec string
	fn   func(w io.Writer, v []byte)
}

func (f *formatter) String() string {
	return f.spec
}

func (f *formatter) Type() string {
	return "formatter"
}

func (f *formatter) Set(spec string) error {
	f.spec = spec
	switch spec {
	case "hex":
		f.fn = formatHex
	case "null":
		f.fn = formatNull
	case "quoted":
		f.fn = formatQuoted
	case "size":
		f.fn = formatSize
	default:
		if strings.Count(spec, "%") != 1 {
			return errors.Errorf("unknown formatter: %q", spec)
		}
		f.fn = func(w io.Writer, v []byte) {
			fmt.Fprintf(w, spec, v)
		}
	}
	return nil
}

func (f *formatter) mustSet(spec string) {
	if err := f.Set(spec); err != nil {
		panic(err)
	}
}

// formatKey returns a base.FormatKey printing keys with f.
func (f *formatter) formatKey() base.FormatKey {
	return func(key []byte) fmt.Formatter {
		return formatted{fn: f.fn, v: key}
	}
}

type formatted struct {
	fn func(w io.Writer, v []byte)
	v  []byte
}

func (f formatted) Format(s fmt.State, _ rune) {
	f.fn(s, f.v)
}

func formatHex(w io.Writer, v []byte) {
	fmt.Fprintf(w, "%x", v)
}

func formatNull(io.Writer, []byte) {}

func formatQuoted(w io.Writer, v []byte) {
	q := strconv.AppendQuote(make([]byte, 0, len(v)+2), string(v))
	_, _ = w.Write(q[1 : len(q)-1])
}

func formatSize(w io.Writer, v []byte) {
	fmt.Fprintf(w, "<%d>", len(v))
}

func formatKeyValue(
	w io.Writer, fmtKey, fmtValue *formatter, key *base.InternalKey, value []byte,
) {
	needDelimiter := false
	if fmtKey.spec != "null" {
		fmtKey.fn(w, key.UserKey)
		fmt.Fprintf(w, "#%d,%s", key.SeqNum(), key.Kind())
		needDelimiter = true
	}
	if fmtValue.spec != "null" {
		if needDelimiter {
			_, _ = w.Write([]byte{' '})
		}
		fmtValue.fn(w, value)
	}
	_, _ = w.Write([]byte{'\n'})
}
