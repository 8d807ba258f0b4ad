package dict

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBasicEntries(t *testing.T) {
	src := []byte(`# header comment
kw1="keyword"
"bare"
kw2@2="leveled"

kw3="esc\\aped\"q\x41"
`)

	var d Dictionary
	require.NoError(t, Parse(src, 0, &d, false, nil))
	require.Equal(t, 4, d.Len())

	// Sorted by length ascending.
	require.Equal(t, []byte("bare"), d.At(0).Data)
	require.Equal(t, []byte("keyword"), d.At(1).Data)
	require.Equal(t, []byte("leveled"), d.At(2).Data)
	require.Equal(t, []byte(`esc\aped"qA`), d.At(3).Data)
}

func TestParseLevelThreshold(t *testing.T) {
	src := []byte("low@1=\"a1\"\nhigh@5=\"b2\"\nplain=\"c3\"\n")

	var d Dictionary
	require.NoError(t, Parse(src, 3, &d, false, nil))

	// Unleveled entries survive any threshold.
	require.Equal(t, 2, d.Len())
	require.Equal(t, []byte("b2"), d.At(0).Data)
	require.Equal(t, []byte("c3"), d.At(1).Data)
}

func TestParseLaxCollectsErrors(t *testing.T) {
	src := []byte("good=\"ok\"\nbad=\"unterminated\nworse\n")

	var d Dictionary
	var msgs []string
	err := Parse(src, 0, &d, false, func(m string) { msgs = append(msgs, m) })

	require.NoError(t, err)
	require.Equal(t, 1, d.Len())
	require.Len(t, msgs, 2)
}

func TestParseStrictAborts(t *testing.T) {
	src := []byte("good=\"ok\"\nbad=\"\x01\"\n")

	var d Dictionary
	err := Parse(src, 0, &d, true, nil)
	require.Error(t, err)
}

func TestLoadFileLevelSuffix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens")
	require.NoError(t, os.WriteFile(path, []byte("a@1=\"xx\"\nb@9=\"yy\"\n"), 0o644))

	var d Dictionary
	require.NoError(t, LoadFile(path+"@5", &d, false, nil))
	require.Equal(t, 1, d.Len())
	require.Equal(t, []byte("yy"), d.At(0).Data)
}

func TestFirstTooLong(t *testing.T) {
	var d Dictionary
	d.Add(Entry{Data: []byte("ab")})
	d.Add(Entry{Data: []byte("abcd")})
	d.Add(Entry{Data: []byte("abcdefgh")})

	require.Equal(t, 2, d.FirstTooLong(5))
	require.Equal(t, 3, d.FirstTooLong(100))
	require.Equal(t, 0, d.FirstTooLong(1))
}
