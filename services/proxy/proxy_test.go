package proxy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	input := `
# residential pool
10.0.0.1:8080:alice:secret
10.0.0.2:3128
broken-line
10.0.0.3:notaport:u:p
`
	proxies, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, proxies, 2)

	assert.Equal(t, "10.0.0.1", proxies[0].Host)
	assert.Equal(t, 8080, proxies[0].Port)
	assert.Equal(t, "alice", proxies[0].Username)
	assert.Equal(t, "secret", proxies[0].Password)
	assert.True(t, proxies[0].HasAuth())
	assert.Equal(t, "http://10.0.0.1:8080", proxies[0].ServerFlag())

	assert.False(t, proxies[1].HasAuth())
	assert.Equal(t, "10.0.0.2:3128", proxies[1].String())
}

func TestFilePool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxies.txt")
	require.NoError(t, os.WriteFile(path, []byte("1.1.1.1:80:u:p\n2.2.2.2:81:u:p\n"), 0o644))

	pool, err := NewFilePool(path)
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Len())

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		p := pool.Random()
		require.NotNil(t, p)
		seen[p.Host] = true
	}
	assert.Len(t, seen, 2)

	require.NoError(t, os.WriteFile(path, []byte("3.3.3.3:82\n"), 0o644))
	require.NoError(t, pool.Reload())
	assert.Equal(t, 1, pool.Len())
	assert.Equal(t, "3.3.3.3", pool.Random().Host)
}

func TestFilePoolMissingFile(t *testing.T) {
	pool, err := NewFilePool(filepath.Join(t.TempDir(), "absent.txt"))
	require.NoError(t, err)
	assert.Equal(t, 0, pool.Len())
	assert.Nil(t, pool.Random())
}
