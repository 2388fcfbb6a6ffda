package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/pagepulse/pkg/models"
)

// stubCaller replies to every call with the same canned result
type stubCaller struct {
	reply   any
	methods []string
	params  []any
}

func (s *stubCaller) Call(_ context.Context, method string, params any, result any) error {
	s.methods = append(s.methods, method)
	s.params = append(s.params, params)
	if result == nil || s.reply == nil {
		return nil
	}
	raw, err := json.Marshal(s.reply)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, result)
}

func TestEvaluateDecodesValue(t *testing.T) {
	c := &stubCaller{reply: map[string]any{"result": map[string]any{"type": "object", "value": map[string]any{"n": 3}}}}

	var out struct{ N int }
	require.NoError(t, NewPage(c).Evaluate(context.Background(), "({n: 3})", &out))
	assert.Equal(t, 3, out.N)
}

func TestEvaluateUndefined(t *testing.T) {
	c := &stubCaller{reply: map[string]any{"result": map[string]any{"type": "undefined"}}}

	var out any
	err := NewPage(c).Evaluate(context.Background(), "void 0", &out)
	assert.ErrorIs(t, err, ErrUndefined)
}

func TestEvaluateException(t *testing.T) {
	c := &stubCaller{reply: map[string]any{
		"result": map[string]any{"type": "object"},
		"exceptionDetails": map[string]any{
			"text":      "Uncaught",
			"exception": map[string]any{"description": "ReferenceError: nope is not defined"},
		},
	}}

	err := NewPage(c).Evaluate(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ReferenceError")
}

func TestCaptureScreenshotDecodes(t *testing.T) {
	c := &stubCaller{reply: map[string]any{"data": base64.StdEncoding.EncodeToString([]byte("png-bytes"))}}

	data, err := NewPage(c).CaptureScreenshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
	assert.Equal(t, []string{page.CommandCaptureScreenshot}, c.methods)
}

func TestNavigateReportsErrorText(t *testing.T) {
	c := &stubCaller{reply: map[string]any{"frameId": "F", "errorText": "net::ERR_NAME_NOT_RESOLVED"}}

	err := NewPage(c).Navigate(context.Background(), "https://nowhere.test/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERR_NAME_NOT_RESOLVED")
}

func TestEmulate(t *testing.T) {
	c := &stubCaller{}
	p := NewPage(c)

	// no viewport, nothing to override
	require.NoError(t, p.Emulate(context.Background(), models.DeviceProfile{Label: "default"}))
	assert.Empty(t, c.methods)

	require.NoError(t, p.Emulate(context.Background(), models.DeviceProfile{Label: "phone", ViewportWidth: 390, ViewportHeight: 844, Mobile: true}))
	require.Equal(t, []string{emulation.CommandSetDeviceMetricsOverride}, c.methods)

	params := c.params[0].(*emulation.SetDeviceMetricsOverrideParams)
	assert.Equal(t, int64(390), params.Width)
	assert.Equal(t, 1.0, params.DeviceScaleFactor)
	assert.True(t, params.Mobile)
}
