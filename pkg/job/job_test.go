package job

import (
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID_Format(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	id := NewID("courts-a", now)

	require.Regexp(t, regexp.MustCompile(`^courts-a_1700000000123_[0-9a-f]{9}$`), id)
	assert.NotEqual(t, id, NewID("courts-a", now), "ids generated in the same millisecond must differ")
}

func TestNewRecord_Defaults(t *testing.T) {
	now := time.Now()
	rec := NewRecord("courts-b", Parameters{MaxDocuments: 10}, "user-1", 3, 3, now)

	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, 0, rec.Progress)
	assert.Equal(t, 0, rec.AttemptsMade)
	assert.Equal(t, 3, rec.MaxAttempts)
	assert.Equal(t, now, rec.CreatedAt)
	assert.Equal(t, now, rec.AvailableAt)
	assert.Nil(t, rec.ProcessedOn)
	assert.Nil(t, rec.FinishedOn)
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}

func TestRecord_CloneIsDeep(t *testing.T) {
	now := time.Now()
	rec := NewRecord("s", Parameters{Filters: map[string]string{"court": "supreme"}}, "", 0, 3, now)
	rec.Result = &Result{DocumentsFound: 4}
	rec.ProcessedOn = &now

	c := rec.Clone()
	c.Parameters.Filters["court"] = "district"
	c.Result.DocumentsFound = 9
	*c.ProcessedOn = now.Add(time.Hour)

	assert.Equal(t, "supreme", rec.Parameters.Filters["court"])
	assert.Equal(t, 4, rec.Result.DocumentsFound)
	assert.Equal(t, now, *rec.ProcessedOn)
	assert.Nil(t, (*Record)(nil).Clone())
}

func TestErrors_Classification(t *testing.T) {
	err := fmt.Errorf("add job: %w", &UnknownSourceError{SourceID: "nope"})
	assert.True(t, IsUnknownSource(err))
	assert.False(t, IsBackendUnavailable(err))

	cause := errors.New("dial tcp: refused")
	err = &BackendUnavailableError{Op: "enqueue", Err: cause}
	assert.True(t, IsBackendUnavailable(err))
	assert.ErrorIs(t, err, cause)

	transient := &ExtractionError{SourceID: "s", JobID: "j", Attempt: 1, Err: cause}
	assert.ErrorIs(t, transient, ErrTransientExtraction)
	assert.NotErrorIs(t, transient, ErrTerminalExtraction)

	terminal := &ExtractionError{SourceID: "s", JobID: "j", Attempt: 3, Terminal: true, Err: cause}
	assert.ErrorIs(t, terminal, ErrTerminalExtraction)
	assert.Contains(t, terminal.Error(), "attempt 3")
}
