package job

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScriptType(t *testing.T) {
	t.Parallel()
	got, err := ParseScriptType(" Python ")
	require.NoError(t, err)
	assert.Equal(t, ScriptPython, got)

	_, err = ParseScriptType("ruby")
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	var ust *UnsupportedScriptTypeError
	assert.True(t, errors.As(err, &ust))
}

func TestDefinitionValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		def     Definition
		wantErr bool
	}{
		{name: "one-off python", def: Definition{Name: "a", ScriptType: ScriptPython, ScriptPath: "fail.py"}},
		{name: "recurring inline shell", def: Definition{Name: "a", Recurring: true, Schedule: "* * * * *", ScriptType: ScriptShell, Parameters: "echo hi"}},
		{name: "six field cron", def: Definition{Name: "a", Recurring: true, Schedule: "*/10 * * * * *", ScriptType: ScriptBash, ScriptPath: "x.sh"}},
		{name: "descriptor", def: Definition{Name: "a", Recurring: true, Schedule: "@hourly", ScriptType: ScriptBash, ScriptPath: "x.sh"}},
		{name: "missing name", def: Definition{ScriptType: ScriptShell}, wantErr: true},
		{name: "bad script type", def: Definition{Name: "a", ScriptType: "perl"}, wantErr: true},
		{name: "recurring without schedule", def: Definition{Name: "a", Recurring: true, ScriptType: ScriptBash, ScriptPath: "x.sh"}, wantErr: true},
		{name: "recurring bad schedule", def: Definition{Name: "a", Recurring: true, Schedule: "61 * * * *", ScriptType: ScriptBash, ScriptPath: "x.sh"}, wantErr: true},
		{name: "recurring without executable", def: Definition{Name: "a", Recurring: true, Schedule: "* * * * *", ScriptType: ScriptBash}, wantErr: true},
		{name: "one-off with bad schedule", def: Definition{Name: "a", Schedule: "nope", ScriptType: ScriptBash, ScriptPath: "x.sh"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.def.Normalize().Validate()
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsValidation(err), "want ValidationError, got %T", err)
		})
	}
}

func TestDefinitionArgs(t *testing.T) {
	t.Parallel()
	assert.Empty(t, Definition{}.Args())
	assert.Equal(t, []string{"-v", "--out", "x"}, Definition{Parameters: " -v\t--out  x "}.Args())
}

func TestNotFoundWraps(t *testing.T) {
	t.Parallel()
	err := NotFound(7)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "7")
	assert.False(t, IsValidation(err))
}
