package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVariant(t *testing.T) VariantDefaults {
	t.Helper()
	return VariantDefaults{BaseDir: t.TempDir(), RepoDirName: "stable-diffusion-webui-forge", Branch: "main", EnvName: "sd-forge", Port: 7860}
}

func TestLoadSettings_NoFileUsesDefaults(t *testing.T) {
	t.Setenv("MODELS_DIR", "")
	t.Setenv("CONDA_EXE", "")
	vd := testVariant(t)
	s, err := LoadSettings(filepath.Join(vd.BaseDir, "missing.sh"), vd)
	require.NoError(t, err)
	assert.Equal(t, Defaults(vd), s)
	assert.Empty(t, s.LoadedFrom)
	assert.True(t, s.AutoCacheCleanup)
	assert.Equal(t, 1024, s.CacheSizeThresholdMB)
	assert.Equal(t, SageAuto, s.SageVersion)
	assert.Equal(t, filepath.Join(vd.BaseDir, "stable-diffusion-webui-forge"), s.RepoDir)
	assert.Equal(t, 7860, s.Port)

	s2, err := LoadSettings("", vd)
	require.NoError(t, err)
	assert.Equal(t, s, s2)
}

func TestLoadSettings_EmptyFileIsIdempotentDefaults(t *testing.T) {
	vd := testVariant(t)
	p := writeTempFile(t, vd.BaseDir, "forge_config.sh", "# nothing here\n")
	s, err := LoadSettings(p, vd)
	require.NoError(t, err)
	d := Defaults(vd)
	d.LoadedFrom = p
	assert.Equal(t, d, s)
}

func TestLoadSettings_ShellSyntax(t *testing.T) {
	vd := testVariant(t)
	content := `# forge launcher settings
export AUTO_CACHE_CLEANUP=false
CACHE_SIZE_THRESHOLD_MB=2048
OUTPUT_DIR="/data/out"
TEMP_DIR='/data/tmp'
DEFAULT_SAGE_VERSION=3
USE_CUSTOM_MODELS_DIR=yes
CUSTOM_MODELS_DIR=/mnt/models
EXTRA_PIP_PACKAGES="insightface onnxruntime-gpu"
PORT=7999
UNKNOWN_KEY=whatever
ENV_NAME=
`
	p := writeTempFile(t, vd.BaseDir, "forge_config.sh", content)
	s, err := LoadSettings(p, vd)
	require.NoError(t, err)
	assert.False(t, s.AutoCacheCleanup)
	assert.Equal(t, 2048, s.CacheSizeThresholdMB)
	assert.Equal(t, "/data/out", s.OutputDir)
	assert.Equal(t, "/data/tmp", s.TempDir)
	assert.Equal(t, SageV3, s.SageVersion)
	assert.True(t, s.UseCustomModelsDir)
	assert.Equal(t, "/mnt/models", s.CustomModelsDir)
	assert.Equal(t, []string{"insightface", "onnxruntime-gpu"}, s.ExtraPipPackages)
	assert.Equal(t, 7999, s.Port)
	// empty value keeps the default
	assert.Equal(t, "sd-forge", s.EnvName)
	assert.Equal(t, p, s.LoadedFrom)
}

func TestLoadSettings_InvalidValuesKeepDefaults(t *testing.T) {
	vd := testVariant(t)
	p := writeTempFile(t, vd.BaseDir, "forge_config.sh", "AUTO_GIT_UPDATE=maybe\nPORT=abc\nDEFAULT_SAGE_VERSION=7\n")
	s, err := LoadSettings(p, vd)
	require.NoError(t, err)
	assert.True(t, s.AutoGitUpdate)
	assert.Equal(t, 7860, s.Port)
	assert.Equal(t, SageAuto, s.SageVersion)
}

func TestLoadSettings_EnvironmentFallbacks(t *testing.T) {
	t.Setenv("MODELS_DIR", "/env/models")
	t.Setenv("HF_TOKEN", "hf_abc")
	vd := testVariant(t)
	s, err := LoadSettings("", vd)
	require.NoError(t, err)
	assert.Equal(t, "/env/models", s.ModelsDirEnv)
	assert.Equal(t, "hf_abc", s.HFToken)
}

func TestParseSageVersion(t *testing.T) {
	for in, want := range map[string]SageVersion{"": SageAuto, "AUTO": SageAuto, "2": SageV2, "sage3": SageV3, "none": SageNone} {
		got, err := ParseSageVersion(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseSageVersion("4")
	assert.Error(t, err)
	assert.Equal(t, "3", SageV3.String())
}

func TestDefaultSettingsPath(t *testing.T) {
	t.Setenv("MLLAUNCH_SETTINGS", "")
	assert.Equal(t, filepath.Join("/opt/l", "forge_classic_config.sh"), DefaultSettingsPath("/opt/l", "forge-classic"))
	t.Setenv("MLLAUNCH_SETTINGS", "/etc/ml.sh")
	assert.Equal(t, "/etc/ml.sh", DefaultSettingsPath("/opt/l", "forge"))
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("MLLAUNCH_TEST_BOOL", "on")
	assert.True(t, envBool("MLLAUNCH_TEST_BOOL", false))
	t.Setenv("MLLAUNCH_TEST_BOOL", "garbage")
	assert.True(t, envBool("MLLAUNCH_TEST_BOOL", true))
	t.Setenv("MLLAUNCH_TEST_INT", "42")
	assert.Equal(t, 42, envInt("MLLAUNCH_TEST_INT", 0))
	t.Setenv("MLLAUNCH_TEST_INT", "bad")
	assert.Equal(t, 5, envInt("MLLAUNCH_TEST_INT", 5))
}
