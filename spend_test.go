package questforge_test

import (
	"testing"

	qf "github.com/ineyio/questforge"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSpendTracker(t *testing.T) {
	st := qf.NewSpendTracker()
	st.RecordSpend("p", decimal.RequireFromString("0.25"))
	st.RecordSpend("p", decimal.RequireFromString("0.50"))

	assert.True(t, decimal.RequireFromString("0.75").Equal(st.GetSpend("p")))
	assert.True(t, st.GetSpend("other").IsZero())
	assert.False(t, st.Exceeded("p", decimal.Zero))
	assert.False(t, st.Exceeded("p", decimal.NewFromInt(1)))
	assert.True(t, st.Exceeded("p", decimal.RequireFromString("0.75")))
}
