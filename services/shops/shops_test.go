package shops

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sjsage522/shopwatch/pkg/errors"
)

const list = `# monitored shops
https://www.etsy.com/shop/PiondressShop

  https://www.etsy.com/shop/Second?sort_order=date_desc  
https://www.etsy.com/shop/PiondressShop
not a url
https://www.etsy.com/shop/Third,notes
`

var want = []string{
	"https://www.etsy.com/shop/PiondressShop",
	"https://www.etsy.com/shop/Second?sort_order=date_desc",
	"https://www.etsy.com/shop/Third",
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "links.txt")
	require.NoError(t, os.WriteFile(path, []byte(list), 0o644))

	urls, err := NewSource(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, urls)
}

func TestLoadFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, list)
	}))
	defer srv.Close()

	urls, err := NewSource(srv.URL + "/links.txt").Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, urls)
}

func TestLoadErrors(t *testing.T) {
	_, err := NewSource(filepath.Join(t.TempDir(), "missing.txt")).Load(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeConfiguration))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err = NewSource(srv.URL).Load(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeUpstream))
}

func TestLoadEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "links.txt")
	require.NoError(t, os.WriteFile(path, []byte("# nothing yet\n\n"), 0o644))

	urls, err := NewSource(path).Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, urls)
}
