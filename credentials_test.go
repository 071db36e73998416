package questforge_test

import (
	"context"
	"testing"

	qf "github.com/ineyio/questforge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentials(t *testing.T) {
	ctx := context.Background()

	t.Setenv("QF_TEST_SECRET", "s3cret")
	v, err := qf.EnvCredentials{}.Resolve(ctx, "QF_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)

	_, err = qf.EnvCredentials{}.Resolve(ctx, "QF_TEST_DEFINITELY_UNSET")
	assert.ErrorIs(t, err, qf.ErrCredentialUnavailable)

	v, err = qf.StaticCredentials{}.Resolve(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, v)
}
