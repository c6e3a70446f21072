package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScope() map[string]any {
	return map[string]any{
		"alert": map[string]any{
			"id": "alert-7",
			"labels": map[string]any{
				"host":       "web-01",
				"mountpoint": "/var",
			},
			"annotations": map[string]any{},
		},
		"steps": map[string]any{
			"check_disk": map[string]any{
				"stdout":    "82%\n",
				"exit_code": 0,
			},
		},
	}
}

func TestRender(t *testing.T) {
	t.Parallel()

	out, err := Render("df -h {{ .alert.labels.mountpoint }}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "df -h /var", out)
}

func TestRenderLiteralFastPath(t *testing.T) {
	t.Parallel()

	out, err := Render("systemctl restart nginx", nil)
	require.NoError(t, err)
	assert.Equal(t, "systemctl restart nginx", out)
}

func TestRenderPriorStepOutput(t *testing.T) {
	t.Parallel()

	out, err := Render("echo {{ trim .steps.check_disk.stdout }}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "echo 82%", out)
}

func TestRenderMissingKeyFails(t *testing.T) {
	t.Parallel()

	_, err := Render("echo {{ .alert.labels.nope }}", testScope())
	require.Error(t, err)
}

func TestRenderParseError(t *testing.T) {
	t.Parallel()

	_, err := Render("echo {{ .alert", testScope())
	require.Error(t, err)
}

func TestRenderMap(t *testing.T) {
	t.Parallel()

	headers, err := RenderMap(map[string]string{
		"Host":          "{{ .alert.labels.host }}",
		"Authorization": "Bearer token",
	}, testScope())
	require.NoError(t, err)
	assert.Equal(t, "web-01", headers["Host"])
	assert.Equal(t, "Bearer token", headers["Authorization"])
}
