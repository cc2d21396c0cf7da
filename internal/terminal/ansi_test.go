package terminal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestControlFilter(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello\r\n", "hello\r\n"},
		{"sgr", "\x1b[1;32mgreen\x1b[0m", "green"},
		{"cursor", "a\x1b[2Kb\x1b[10;20Hc", "abc"},
		{"private mode", "\x1b[?2004hprompt$ ", "prompt$ "},
		{"osc bel", "\x1b]0;user@host: ~\x07$ ", "$ "},
		{"osc st", "\x1b]2;title\x1b\\ok", "ok"},
		{"charset", "\x1b(Bx", "x"},
		{"two byte", "\x1b=\x1b>\x1bMz", "z"},
		{"utf8 kept", "héllo ›", "héllo ›"},
		{"esc before control", "\x1b\nnext", "\nnext"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := NewControlFilter()
			got := f.Write([]byte(tc.in))
			require.Equal(t, tc.want, string(got))
			require.False(t, f.Pending())
		})
	}
}

func TestControlFilter_SplitAcrossWrites(t *testing.T) {
	t.Parallel()

	f := NewControlFilter()
	require.Equal(t, "ab", string(f.Write([]byte("ab\x1b"))))
	require.True(t, f.Pending())
	require.Equal(t, "", string(f.Write([]byte("[3"))))
	require.True(t, f.Pending())
	require.Equal(t, "cd", string(f.Write([]byte("1mcd"))))
	require.False(t, f.Pending())

	require.Equal(t, "", string(f.Write([]byte("\x1b]0;long ti"))))
	require.Equal(t, "", string(f.Write([]byte("tle\x1b"))))
	require.Equal(t, "$", string(f.Write([]byte("\\$"))))
}

func TestControlFilter_ByteAtATime(t *testing.T) {
	t.Parallel()

	in := []byte("\x1b[01;34mdir\x1b[0m/ \x1b]7;file://h/\x07ok")
	f := NewControlFilter()
	var out []byte
	for i := range in {
		out = append(out, f.Write([]byte{in[i]})...)
	}
	require.Equal(t, "dir/ ok", string(out))
}
