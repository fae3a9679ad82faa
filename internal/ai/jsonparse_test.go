package ai

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/facturaIA/nfce-invoice-parser/internal/errors"
	"github.com/facturaIA/nfce-invoice-parser/internal/logger"
)

func init() {
	logger.IsTest = true
}

func TestExtractJSON_Strategies(t *testing.T) {
	cases := []struct {
		name     string
		text     string
		strategy string
	}{
		{"plain object", `{"a":1}`, "direct"},
		{"surrounding whitespace", "\n  {\"a\":1}  \n", "direct"},
		{"json fence", fence + "json\n{\"a\":1}\n" + fence, "strip_fences"},
		{"bare fence", fence + "\n{\"a\":1}\n" + fence, "strip_fences"},
		{"chatty answer", `Claro! Aqui esta: {"a":1} Espero ter ajudado.`, "brace_span"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, strategy, err := extractJSON(tc.text)
			require.NoError(t, err)
			assert.Equal(t, tc.strategy, strategy)
			assert.JSONEq(t, `{"a":1}`, string(raw))
		})
	}
}

func TestPrefixedJSON(t *testing.T) {
	raw, ok := prefixedJSON(`Here is the JSON: {"a":1}`)
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	_, ok = prefixedJSON(`nothing useful`)
	assert.False(t, ok)
}

func TestExtractJSON_RejectsArrays(t *testing.T) {
	_, ok := asObject(`[1,2,3]`)
	assert.False(t, ok)
}

func TestExtractJSON_FailureCarriesExcerpts(t *testing.T) {
	text := strings.Repeat("a", 300) + strings.Repeat("z", 300)

	_, _, err := extractJSON(text)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.AIParseFailed))

	pe, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, 600, pe.Details["responseLength"])
	assert.Equal(t, strings.Repeat("a", 200), pe.Details["head"])
	assert.Equal(t, strings.Repeat("z", 200), pe.Details["tail"])
}

func TestExtractJSON_ExcerptsKeepAccentsWhole(t *testing.T) {
	text := strings.Repeat("a", 199) + "Ç" + strings.Repeat("x", 300) + "Ç" + strings.Repeat("z", 199)

	_, _, err := extractJSON(text)
	pe, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, strings.Repeat("a", 199), pe.Details["head"])
	assert.Equal(t, strings.Repeat("z", 199), pe.Details["tail"])
}

func TestExtractJSON_ShortFailureKeepsWholeText(t *testing.T) {
	_, _, err := extractJSON("sem json aqui")
	pe, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, "sem json aqui", pe.Details["head"])
	assert.Equal(t, "", pe.Details["tail"])
}

func TestDecodeResponse_KeepsNumbersExact(t *testing.T) {
	var meta Metadata
	strategy, err := decodeResponse(`{"merchant":{"taxId":12345678000190,"legalName":"LOJA"},"totals":{"total":40.90}}`, &meta)
	require.NoError(t, err)
	assert.Equal(t, "direct", strategy)
	assert.Equal(t, "12345678000190", meta.Merchant.TaxID.String())
	assert.Equal(t, json.Number("40.90"), meta.Totals.Total)
}

func TestDecodeResponse_WrongStructure(t *testing.T) {
	var env itemsEnvelope
	_, err := decodeResponse(`{"items":"nope"}`, &env)
	require.Error(t, err)
	pe, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.AIParseFailed, pe.Kind)
	assert.Equal(t, "direct", pe.Details["strategy"])
}

func TestText_Unmarshal(t *testing.T) {
	var v struct {
		A Text `json:"a"`
		B Text `json:"b"`
		C Text `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":" x ","b":1234,"c":null}`), &v))
	assert.Equal(t, "x", v.A.String())
	assert.Equal(t, "1234", v.B.String())
	assert.Equal(t, "", v.C.String())

	assert.Error(t, json.Unmarshal([]byte(`{"a":{"nested":true}}`), &v))
}
