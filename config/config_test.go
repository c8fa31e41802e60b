package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvConfig_DefaultsWhenUnset(t *testing.T) {
	ec := NewEnvConfig("TESTPFX")
	assert.Equal(t, "fallback", ec.GetString("MISSING", "fallback"))
	assert.Equal(t, 7, ec.GetInt("MISSING", 7))
	assert.True(t, ec.GetBool("MISSING", true))
}

func TestEnvConfig_PrefixScopesLookup(t *testing.T) {
	require.NoError(t, os.Setenv("TESTPFX_NAME", "hello"))
	t.Cleanup(func() { os.Unsetenv("TESTPFX_NAME") })

	ec := NewEnvConfig("TESTPFX")
	assert.Equal(t, "hello", ec.GetString("NAME", "default"))

	other := NewEnvConfig("OTHERPFX")
	assert.Equal(t, "default", other.GetString("NAME", "default"), "a differently-prefixed loader must not see another prefix's variable")
}

func TestEnvConfig_GetIntIgnoresUnparsableValue(t *testing.T) {
	require.NoError(t, os.Setenv("TESTPFX_PORT", "not-a-number"))
	t.Cleanup(func() { os.Unsetenv("TESTPFX_PORT") })

	ec := NewEnvConfig("TESTPFX")
	assert.Equal(t, 42, ec.GetInt("PORT", 42))
}

func TestEnvConfig_GetStringSliceSplitsAndTrims(t *testing.T) {
	require.NoError(t, os.Setenv("TESTPFX_HOSTS", "a, b ,c"))
	t.Cleanup(func() { os.Unsetenv("TESTPFX_HOSTS") })

	ec := NewEnvConfig("TESTPFX")
	assert.Equal(t, []string{"a", "b", "c"}, ec.GetStringSlice("HOSTS", nil))
}

func TestLoadServiceConfig_DefaultsToEngage(t *testing.T) {
	svc := LoadServiceConfig("TESTPFX_SVC")
	assert.Equal(t, "engage", svc.Name)
	assert.Equal(t, "development", svc.Environment)
	assert.Equal(t, "info", svc.LogLevel)
}

func TestValidator_CollectsAllErrors(t *testing.T) {
	v := NewValidator()
	v.RequireString("Name", "")
	v.RequirePositiveInt("Count", -1)
	v.RequireOneOf("Env", "bogus", []string{"a", "b"})

	assert.False(t, v.IsValid())
	assert.Len(t, v.Errors(), 3)
	assert.Error(t, v.Validate())
}

func TestValidator_ValidWhenNoRulesFail(t *testing.T) {
	v := NewValidator()
	v.RequireString("Name", "engage")
	v.RequireOneOf("Env", "production", []string{"development", "production"})

	assert.True(t, v.IsValid())
	assert.NoError(t, v.Validate())
}

func TestConfigLoader_LoadAll_FailsOnInvalidEnvironment(t *testing.T) {
	require.NoError(t, os.Setenv("TESTPFX_LOADALL_ENVIRONMENT", "not-a-real-env"))
	t.Cleanup(func() { os.Unsetenv("TESTPFX_LOADALL_ENVIRONMENT") })

	_, err := NewConfigLoader("TESTPFX_LOADALL").LoadAll()
	assert.Error(t, err)
}

func TestConfigLoader_LoadAll_SucceedsWithDefaults(t *testing.T) {
	svc, err := NewConfigLoader("TESTPFX_LOADALL_OK").LoadAll()
	require.NoError(t, err)
	assert.Equal(t, "engage", svc.Name)
}
