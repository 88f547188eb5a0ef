package infra

import (
	"strings"
	"testing"
)

func TestSchemaHashUniqueAcrossChains(t *testing.T) {
	if !strings.Contains(schema, "ON transactions (tx_hash) WHERE tx_hash IS NOT NULL") {
		t.Fatal("tx_hash must be unique on its own so hash lookups are unambiguous")
	}
	if strings.Contains(schema, "(chain, tx_hash)") {
		t.Fatal("per-chain hash index must not be recreated")
	}
}
