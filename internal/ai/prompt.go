package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/facturaIA/nfce-invoice-parser/internal/models"
)

// metadataInstructions is the static half of the metadata prompt. It must stay
// byte-identical between calls to keep the provider-side prompt cache warm.
const metadataInstructions = `Voce e um EXPERTO em notas fiscais eletronicas brasileiras (NFC-e / NF-e). Sua tarefa e extrair os dados do CABECALHO e do RODAPE de uma pagina de consulta publica da SEFAZ.

## O QUE VOCE RECEBE
- HTML da pagina de consulta com a tabela de itens REMOVIDA.
- Os itens sao extraidos em outra chamada. NAO tente listar itens.

## CAMPOS A EXTRAIR

Devolva SOMENTE JSON valido (sem markdown, sem comentarios), exatamente neste formato:
{
  "merchant": {
    "taxId": "CNPJ do emitente, como aparece (ex: 12.345.678/0001-90)",
    "legalName": "razao social do emitente",
    "tradeName": "nome fantasia ou null",
    "address": "logradouro, numero e bairro ou null",
    "city": "municipio ou null",
    "stateCode": "UF com 2 letras maiusculas ou null"
  },
  "invoice": {
    "accessKey": "chave de acesso com 44 digitos, sem espacos, ou null",
    "number": "numero da nota",
    "series": "serie da nota",
    "issueDate": "data de emissao em YYYY-MM-DDTHH:mm:ss (ou YYYY-MM-DD se nao houver hora)"
  },
  "totals": {
    "subtotal": numero (valor total dos produtos antes de descontos),
    "discount": numero (descontos, 0 se nao houver),
    "tax": numero (acrescimos/outras despesas somadas ao total, 0 se nao houver),
    "total": numero (valor a pagar)
  }
}

## REGRAS DE VALORES
1. Valores em formato brasileiro ("1.234,56") devem ser convertidos para numero JSON (1234.56).
2. "Valor total R$" ou "Qtd. total de itens" NAO e desconto.
3. "Descontos R$" vai em discount; "Valor a pagar R$" vai em total.
4. Tributos informativos (Lei 12.741/2012, "Tributos Totais Incidentes") NAO entram em tax.
5. Se subtotal nao aparecer, use total + discount - tax.
6. Use 0 para valores numericos ausentes, NUNCA null.

## REGRAS GERAIS
1. NUNCA invente dados. Use null para textos que nao aparecem.
2. Datas no formato brasileiro (10/03/2024 14:32:10) devem virar 2024-03-10T14:32:10.
3. O emitente e quem VENDE; ignore dados do consumidor (CPF do comprador).

## EXEMPLO
Entrada (trecho): "SUPERMERCADO BOM PRECO LTDA CNPJ: 12.345.678/0001-90 ... Valor a pagar R$: 40,90 ... Numero: 1234 Serie: 1 Emissao: 10/03/2024 14:32:10"
Saida:
{"merchant":{"taxId":"12.345.678/0001-90","legalName":"SUPERMERCADO BOM PRECO LTDA","tradeName":null,"address":null,"city":null,"stateCode":null},"invoice":{"accessKey":null,"number":"1234","series":"1","issueDate":"2024-03-10T14:32:10"},"totals":{"subtotal":40.90,"discount":0,"tax":0,"total":40.90}}`

// itemsInstructions is the static half of every item-batch prompt.
const itemsInstructions = `Voce e um EXPERTO em notas fiscais eletronicas brasileiras (NFC-e / NF-e). Sua tarefa e converter linhas de itens ja extraidas do HTML da SEFAZ em JSON estruturado.

## O QUE VOCE RECEBE
- Um lote de linhas em JSON. Cada linha tem os textos brutos: description, code, quantity, unit, unitPrice, totalPrice e row (texto completo da linha).
- Os campos podem estar vazios; use o texto de "row" para completa-los.

## FORMATO DE SAIDA

Devolva SOMENTE JSON valido (sem markdown, sem comentarios):
{
  "items": [
    {
      "description": "descricao do produto",
      "productCode": "codigo do produto ou null",
      "quantity": numero,
      "unit": "unidade (UN, KG, L...) ou null",
      "unitPrice": numero,
      "totalPrice": numero,
      "discountAmount": numero
    }
  ]
}

## REGRAS
1. Um objeto por linha de entrada que seja um produto, NA MESMA ORDEM da entrada.
2. Ignore linhas que sejam cabecalhos, subtotais, totais ou formas de pagamento.
3. Valores em formato brasileiro ("1.234,56") devem virar numero JSON (1234.56).
4. Se a quantidade nao puder ser determinada, use 1.
5. Se unitPrice faltar, use totalPrice / quantity. Se totalPrice faltar, use quantity x unitPrice.
6. discountAmount e o desconto do item; use 0 se nao houver.
7. Quantidades de produtos pesados podem ter 3 casas decimais (0,365 KG -> 0.365).
8. NUNCA invente produtos que nao estao na entrada.

## EXEMPLO
Entrada:
[{"description":"FEIJAO PRETO 1KG","code":"7890000000012","quantity":"2","unit":"UN","unitPrice":"7,50","totalPrice":"15,00","row":"FEIJAO PRETO 1KG (Codigo: 7890000000012) Qtde.:2 UN: UN Vl. Unit.: 7,50 Vl. Total 15,00"}]
Saida:
{"items":[{"description":"FEIJAO PRETO 1KG","productCode":"7890000000012","quantity":2,"unit":"UN","unitPrice":7.50,"totalPrice":15.00,"discountAmount":0}]}`

// Prompt is a two-part prompt: Static never changes between calls, Variable carries the payload.
type Prompt struct {
	Static   string
	Variable string
}

// BuildMetadataPrompt wraps the stripped invoice HTML
func BuildMetadataPrompt(html string) Prompt {
	return Prompt{
		Static:   metadataInstructions,
		Variable: "HTML da nota fiscal:\n" + strings.TrimSpace(html),
	}
}

// BuildItemsPrompt serializes one batch of raw rows
func BuildItemsPrompt(batch []models.RawItem, batchIndex, batchCount int) (Prompt, error) {
	payload, err := json.Marshal(batch)
	if err != nil {
		return Prompt{}, fmt.Errorf("failed to encode item batch: %w", err)
	}
	return Prompt{
		Static: itemsInstructions,
		Variable: fmt.Sprintf("Lote %d de %d (%d linhas):\n%s",
			batchIndex+1, batchCount, len(batch), payload),
	}, nil
}
