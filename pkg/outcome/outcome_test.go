package outcome

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTimeoutIsFetchFailure(t *testing.T) {
	assert.True(t, errors.Is(ErrRemoteTimeout, ErrRemoteFetchFailed))
	assert.False(t, errors.Is(ErrRemoteFetchFailed, ErrRemoteTimeout))
}

func TestFailure(t *testing.T) {
	cause := fmt.Errorf("%w: disk full", ErrWriteFailed)
	f := Fail("main", "insert", cause)

	assert.Equal(t, "insert main: write failed: disk full", f.Error())
	assert.True(t, errors.Is(f, ErrWriteFailed))

	var target *Failure
	assert.True(t, errors.As(fmt.Errorf("wrapped: %w", f), &target))
	assert.Equal(t, "main", target.Store)
}

func TestFailureWithoutStore(t *testing.T) {
	f := Fail("", "search", errors.New("boom"))
	assert.Equal(t, "search: boom", f.Error())
}

func TestKind(t *testing.T) {
	assert.Equal(t, ErrRemoteTimeout, Kind(Fail("main", "refresh", ErrRemoteTimeout)))
	assert.Equal(t, ErrRemoteFetchFailed, Kind(fmt.Errorf("%w: 500", ErrRemoteFetchFailed)))
	assert.Equal(t, ErrAlreadyInProgress, Kind(ErrAlreadyInProgress))
	assert.Nil(t, Kind(errors.New("other")))
	assert.Nil(t, Kind(nil))
}

func TestResult(t *testing.T) {
	ok := Success(3)
	assert.True(t, ok.OK())
	assert.NoError(t, ok.Err())
	assert.Equal(t, 3, ok.Value)

	bad := Failed[int](Fail("main", "insert", ErrWriteFailed))
	assert.False(t, bad.OK())
	assert.ErrorIs(t, bad.Err(), ErrWriteFailed)
}
