package diag

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/ringcluster/go/ring"
)

func TestStatusForMapsRingErrorKinds(t *testing.T) {
	cases := []struct {
		kind ring.ErrorKind
		code int32
	}{
		{ring.ErrKindConcurrentUpdate, 10},
		{ring.ErrKindConfiguration, 9},
		{ring.ErrKindIO, 14},
		{ring.ErrKindInvalidRequest, 3},
		{ring.ErrKindRequestValidation, 3},
		{ring.ErrKindRequestExecution, 13},
	}
	for _, c := range cases {
		st := statusFor(ring.NewError(c.kind, errors.New("boom")))
		require.Equal(t, c.code, st.Code)
		require.Contains(t, st.Message, "boom")
	}
}

func TestStatusForUnknownErrorDefaultsToUnknownCode(t *testing.T) {
	st := statusFor(errors.New("not a ring.Error"))
	require.Equal(t, int32(2), st.Code)
	require.Equal(t, "not a ring.Error", st.Message)
}
