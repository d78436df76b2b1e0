package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nfaudit/internal/audit"
	"nfaudit/internal/invoice"
	"nfaudit/internal/platform/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestValidateTaxID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		valid   bool
		kind    string
		errCode string
	}{
		{"formatted cnpj", "12.345.678/0001-95", true, "entity", ""},
		{"cpf", "529.982.247-25", true, "individual", ""},
		{"bad cpf check digit", "529.982.247-26", false, "individual", "CHECK_DIGIT"},
		{"wrong length", "123", false, "", "BAD_LENGTH"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, err := run(t, "validate", "taxid", tt.id)
			var out checkOutput
			require.NoError(t, json.Unmarshal([]byte(stdout), &out))
			assert.Equal(t, tt.valid, out.Valid)
			assert.Equal(t, tt.errCode, out.Code)
			assert.Equal(t, tt.kind, out.Details["type"])
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errInvalid)
			}
		})
	}
}

func TestValidateKeyDecodes(t *testing.T) {
	stdout, err := run(t, "validate", "key", "35240312345678000195550010000012341123456782")
	require.NoError(t, err)

	var out checkOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.True(t, out.Valid)
	assert.Equal(t, "SP", out.Details["uf"])
	assert.Equal(t, "2403", out.Details["year_month"])
	assert.Equal(t, "12345678000195", out.Details["issuer"])

	_, err = run(t, "validate", "key", "35240312345678000195550010000012341123456783")
	assert.ErrorIs(t, err, errInvalid)
}

func TestValidateCFOP(t *testing.T) {
	t.Run("operation inferred", func(t *testing.T) {
		stdout, err := run(t, "validate", "cfop", "5.102")
		require.NoError(t, err)
		var out checkOutput
		require.NoError(t, json.Unmarshal([]byte(stdout), &out))
		assert.Equal(t, "sale", out.Details["operation"])
	})

	t.Run("explicit operation mismatch", func(t *testing.T) {
		stdout, err := run(t, "validate", "cfop", "5102", "--operation", "compra")
		assert.ErrorIs(t, err, errInvalid)
		assert.Contains(t, stdout, "OPERATION_MISMATCH")
	})

	t.Run("unknown operation flag", func(t *testing.T) {
		_, err := run(t, "validate", "cfop", "5102", "--operation", "gift")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, errInvalid)
	})
}

func offlineConfig() config.Config {
	return config.Config{
		Audit: config.Audit{
			TotalTolerance: decimal.RequireFromString("0.10"),
			StaleIssueAge:  60 * 24 * time.Hour,
		},
		Reasoning: config.Reasoning{
			AttemptTimeout: time.Second,
			TotalTimeout:   time.Second,
			MaxToolRounds:  1,
		},
		Retrieval: config.Retrieval{TopK: 3, Timeout: time.Second},
		LogLevel:  "error",
	}
}

const mismatchedInvoice = `{
	"number": "1234",
	"issuer": {"tax_id": "12.345.678/0001-95"},
	"recipient": {"tax_id": "529.982.247-25"},
	"cfop": "5102",
	"operation": "sale",
	"jurisdiction": "SP",
	"regime": "non_cumulative",
	"issued_at": "2024-03-10",
	"items": [{"product_code": "P-1", "quantity": "10", "unit_value": "100", "total": "1000.00"}],
	"declared_total": "1465.50"
}`

func TestAuditCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invoice.json")
	require.NoError(t, os.WriteFile(path, []byte(mismatchedInvoice), 0o600))

	cmd := NewAuditCmd(offlineConfig)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})

	t.Run("prints result", func(t *testing.T) {
		out.Reset()
		cmd.SetArgs([]string{path, "--at", "2024-03-15T12:00:00Z"})
		require.NoError(t, cmd.Execute())

		var res audit.Result
		require.NoError(t, json.Unmarshal(out.Bytes(), &res))
		require.Equal(t, audit.VerdictRejected, res.Verdict)
		assert.Contains(t, res.Decision.Rationale, "285.50")
	})

	t.Run("fail on reject", func(t *testing.T) {
		out.Reset()
		cmd.SetArgs([]string{path, "--at", "2024-03-15T12:00:00Z", "--fail-on-reject"})
		assert.ErrorContains(t, cmd.Execute(), "rejected")
	})

	t.Run("missing file", func(t *testing.T) {
		cmd.SetArgs([]string{filepath.Join(t.TempDir(), "nope.json")})
		assert.ErrorContains(t, cmd.Execute(), "reading invoice")
	})
}

const mismatchedNFe = `<nfeProc xmlns="http://www.portalfiscal.inf.br/nfe">
  <NFe><infNFe Id="NFe35240312345678000195550010000012341123456782">
    <ide><serie>1</serie><nNF>1234</nNF><dhEmi>2024-03-10T09:30:00-03:00</dhEmi><tpNF>1</tpNF></ide>
    <emit><CNPJ>12345678000195</CNPJ><enderEmit><UF>SP</UF></enderEmit></emit>
    <dest><CPF>52998224725</CPF></dest>
    <det nItem="1"><prod><cProd>P-1</cProd><CFOP>5102</CFOP><qCom>10</qCom><vUnCom>100</vUnCom><vProd>1000.00</vProd></prod></det>
    <total><ICMSTot><vProd>1000.00</vProd><vNF>1465.50</vNF></ICMSTot></total>
  </infNFe></NFe>
</nfeProc>`

func TestAuditCommandXML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nfe.XML")
	require.NoError(t, os.WriteFile(path, []byte(mismatchedNFe), 0o600))

	cmd := NewAuditCmd(offlineConfig)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{path, "--at", "2024-03-15T12:00:00Z"})
	require.NoError(t, cmd.Execute())

	var res audit.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	require.Equal(t, audit.VerdictRejected, res.Verdict)
	assert.Equal(t, "35240312345678000195550010000012341123456782", res.InvoiceKey())
	var codes []string
	for _, it := range res.Decision.Irregularities {
		codes = append(codes, it.Code)
	}
	assert.Contains(t, codes, invoice.CodeTotalMismatch)
}

func TestAuditCommandRejectsBrokenXML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nfe.xml")
	require.NoError(t, os.WriteFile(path, []byte("<NFe><infNFe>"), 0o600))

	cmd := NewAuditCmd(offlineConfig)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{path})
	assert.ErrorContains(t, cmd.Execute(), "decoding NF-e")
}
