package questforge_test

import (
	"testing"
	"time"

	qf "github.com/ineyio/questforge"
	"github.com/stretchr/testify/assert"
)

func TestPeriodStart(t *testing.T) {
	got := qf.PeriodStart(time.Date(2026, time.October, 18, 15, 4, 5, 0, time.UTC))
	assert.Equal(t, time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC), got)
}
