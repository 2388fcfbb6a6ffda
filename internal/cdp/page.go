package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"

	"github.com/shehryarbajwa/pagepulse/pkg/models"
)

// ErrUndefined is returned by Evaluate when the expression produced no value
var ErrUndefined = errors.New("expression evaluated to undefined")

// Page wraps a Caller with the page-level commands the harness needs
type Page struct {
	caller Caller
}

// NewPage wraps an open connection to a page target
func NewPage(caller Caller) *Page {
	return &Page{caller: caller}
}

type evaluateResult struct {
	Result struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text      string `json:"text"`
		Exception *struct {
			Description string `json:"description"`
		} `json:"exception"`
	} `json:"exceptionDetails"`
}

// Evaluate runs expression in the page, awaiting promises, and decodes the value into out
func (p *Page) Evaluate(ctx context.Context, expression string, out any) error {
	params := runtime.Evaluate(expression).
		WithReturnByValue(true).
		WithAwaitPromise(true)

	var res evaluateResult
	if err := p.caller.Call(ctx, runtime.CommandEvaluate, params, &res); err != nil {
		return err
	}

	if ex := res.ExceptionDetails; ex != nil {
		msg := ex.Text
		if ex.Exception != nil && ex.Exception.Description != "" {
			msg = ex.Exception.Description
		}
		return fmt.Errorf("page exception: %s", msg)
	}

	if out == nil {
		return nil
	}
	if res.Result.Type == "undefined" || len(res.Result.Value) == 0 {
		return ErrUndefined
	}
	return json.Unmarshal(res.Result.Value, out)
}

// AddScriptOnNewDocument registers source to run before any page script in every new document
func (p *Page) AddScriptOnNewDocument(ctx context.Context, source string) error {
	return p.caller.Call(ctx, page.CommandAddScriptToEvaluateOnNewDocument, page.AddScriptToEvaluateOnNewDocument(source), nil)
}

// CaptureScreenshot returns a PNG of the viewport
func (p *Page) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	var res struct {
		Data string `json:"data"`
	}
	params := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng)
	if err := p.caller.Call(ctx, page.CommandCaptureScreenshot, params, &res); err != nil {
		return nil, err
	}

	data, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode screenshot: %w", err)
	}
	return data, nil
}

// Navigate starts a full navigation; it does not wait for load
func (p *Page) Navigate(ctx context.Context, url string) error {
	var res struct {
		ErrorText string `json:"errorText"`
	}
	if err := p.caller.Call(ctx, page.CommandNavigate, page.Navigate(url), &res); err != nil {
		return err
	}
	if res.ErrorText != "" {
		return fmt.Errorf("navigation to %s failed: %s", url, res.ErrorText)
	}
	return nil
}

// CurrentURL returns location.href of the main frame
func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	var href string
	if err := p.Evaluate(ctx, "location.href", &href); err != nil {
		return "", err
	}
	return href, nil
}

// Emulate applies the device profile's viewport
func (p *Page) Emulate(ctx context.Context, device models.DeviceProfile) error {
	if device.ViewportWidth == 0 || device.ViewportHeight == 0 {
		return nil
	}
	scale := device.DeviceScaleFactor
	if scale == 0 {
		scale = 1
	}

	params := emulation.SetDeviceMetricsOverride(int64(device.ViewportWidth), int64(device.ViewportHeight), scale, device.Mobile)
	return p.caller.Call(ctx, emulation.CommandSetDeviceMetricsOverride, params, nil)
}
