package fetcher

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/facturaIA/nfce-invoice-parser/internal/errors"
)

const sampleKey = "43240312345678000190650010000012341123456780"

func groupKey(key string) string {
	var parts []string
	for i := 0; i < len(key); i += 4 {
		parts = append(parts, key[i:i+4])
	}
	return strings.Join(parts, " ")
}

func TestExtractKeyFromHTML(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "consecutive digits",
			html: `<div>Chave de acesso: ` + sampleKey + `</div>`,
			want: sampleKey,
		},
		{
			name: "space grouped",
			html: `<p>Chave de acesso:</p><p>` + groupKey(sampleKey) + `</p>`,
			want: sampleKey,
		},
		{
			name: "key element with separators",
			html: `<span class="chave">4324.0312.3456.7800.0190.6500.1000.0012.3411.2345.6780</span>`,
			want: sampleKey,
		},
		{
			name: "longer digit run is not a key",
			html: `<p>` + sampleKey + `9</p>`,
			want: "",
		},
		{
			name: "no digits",
			html: `<html><body>Nota nao encontrada</body></html>`,
			want: "",
		},
		{
			name: "malformed html",
			html: `<div><span class="chave">12 34`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractKeyFromHTML(tt.html))
		})
	}
}

func TestExtractKeyFromURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"qr payload", "https://www.sefaz.rs.gov.br/NFCE/NFCE-COM.aspx?p=" + sampleKey + "|2|1|1|ABCDEF", sampleKey},
		{"chNFe param", "https://example.gov.br/consulta?chNFe=" + sampleKey, sampleKey},
		{"digits in path", "https://portal.gov.br/nfce/" + sampleKey, sampleKey},
		{"no key", "https://www.sefaz.rs.gov.br/NFCE/NFCE-COM.aspx", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractKeyFromURL(tt.url))
		})
	}
}

func TestResolveInput(t *testing.T) {
	t.Run("bare key", func(t *testing.T) {
		target, err := ResolveInput("  " + sampleKey + "\n")
		require.NoError(t, err)
		assert.Equal(t, sampleKey, target.Key)
		assert.Equal(t, BuildURLFromKey(sampleKey), target.URL)
	})

	t.Run("grouped key", func(t *testing.T) {
		target, err := ResolveInput(groupKey(sampleKey))
		require.NoError(t, err)
		assert.Equal(t, sampleKey, target.Key)
	})

	t.Run("qr payload", func(t *testing.T) {
		target, err := ResolveInput(sampleKey + "|2|1|1|9F3A")
		require.NoError(t, err)
		assert.Equal(t, sampleKey, target.Key)
	})

	t.Run("url without key", func(t *testing.T) {
		u := "https://www.sefaz.rs.gov.br/NFCE/NFCE-COM.aspx?id=abc"
		target, err := ResolveInput(u)
		require.NoError(t, err)
		assert.Empty(t, target.Key)
		assert.Equal(t, u, target.URL)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ResolveInput("not an invoice")
		require.Error(t, err)
		assert.True(t, apperrors.IsKind(err, apperrors.KeyNotFound))
	})

	t.Run("empty", func(t *testing.T) {
		_, err := ResolveInput("   ")
		assert.True(t, apperrors.IsKind(err, apperrors.KeyNotFound))
	})
}

func TestBuildURLFromKey(t *testing.T) {
	assert.Equal(t, defaultPortal+sampleKey, BuildURLFromKey(sampleKey))

	spKey := "35" + sampleKey[2:]
	assert.True(t, strings.HasPrefix(BuildURLFromKey(spKey), "https://www.nfce.fazenda.sp.gov.br/"))

	unknownState := "99" + sampleKey[2:]
	assert.Equal(t, defaultPortal+unknownState, BuildURLFromKey(unknownState))
}

func TestIsKnownPortal(t *testing.T) {
	assert.True(t, IsKnownPortal(BuildURLFromKey(sampleKey)))
	assert.True(t, IsKnownPortal("https://dfe-portal.svrs.rs.gov.br/Dfe/QrCodeNFce?p=1"))
	assert.False(t, IsKnownPortal("https://evil.example.com/?p="+sampleKey))
	assert.False(t, IsKnownPortal("ftp://www.sefaz.rs.gov.br/"))
	assert.False(t, IsKnownPortal("::not a url"))

	f := New(testConfig())
	assert.True(t, f.IsKnownPortal("http://127.0.0.1:8080/nfce"))
	assert.False(t, IsKnownPortal("http://127.0.0.1:8080/nfce"))
}

func TestIsValidKey(t *testing.T) {
	assert.True(t, IsValidKey(sampleKey))
	assert.False(t, IsValidKey(sampleKey[:43]))
	assert.False(t, IsValidKey(sampleKey[:43]+"x"))
}
