package ledger_test

import (
	"testing"

	"github.com/ineyio/questforge/ledger"
	"github.com/ineyio/questforge/ledger/ledgertest"
)

func TestMemoryLedger(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledgertest.Store {
		return ledger.NewMemoryLedger()
	})
}
