package pdf

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateStatement(t *testing.T) {
	provider := New()

	reader, err := provider.GenerateStatement(context.Background(), StatementData{
		AccountName: "Acme Data",
		AccountID:   "2010735548360036353",
		Plan:        "pro",
		Currency:    "USD",
		GeneratedAt: "2026-02-01",
		Balance:     "120",
		Reserved:    "20",
		Available:   "100",
		Lines: []StatementLine{
			{Date: "2026-01-15", EntryType: "payment", Reference: "pi_123", Amount: "100"},
			{Date: "2026-01-20", EntryType: "charge", Reference: "res_456", Amount: "-30"},
		},
	})
	require.NoError(t, err)

	doc, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(doc, []byte("%PDF")))
}

func TestGenerateStatementEmptyLedger(t *testing.T) {
	provider := New()

	reader, err := provider.GenerateStatement(context.Background(), StatementData{
		AccountName: "Acme Data",
		AccountID:   "1",
		Plan:        "free",
		Currency:    "USD",
		Available:   "0",
	})
	require.NoError(t, err)
	require.NotNil(t, reader)
}
