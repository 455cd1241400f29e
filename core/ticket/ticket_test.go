package ticket

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var red = color.RGBA{0xff, 0, 0, 0xff}

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func writeTemplate(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "template.png")
	require.NoError(t, os.WriteFile(path, solidPNG(t, 500, 420, color.White), 0o600))
	return path
}

func baseOptions(t *testing.T) Options {
	return Options{
		TemplatePath: writeTemplate(t),
		NameAt:       image.Pt(230, 325),
		EmailAt:      image.Pt(230, 355),
		AvatarAt:     image.Pt(70, 315),
		AvatarSize:   95,
		Timeout:      2 * time.Second,
	}
}

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func inkIn(img image.Image, r image.Rectangle) int {
	n := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			cr, cg, cb, _ := img.At(x, y).RGBA()
			if cr < 0x8000 && cg < 0x8000 && cb < 0x8000 {
				n++
			}
		}
	}
	return n
}

func TestRenderDrawsTextAndAvatar(t *testing.T) {
	var gotPath atomic.Value
	avatar := solidPNG(t, 40, 40, red)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.EscapedPath())
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(avatar)
	}))
	defer srv.Close()

	opts := baseOptions(t)
	opts.AvatarURL = srv.URL + "/avatars/{size}/{email}.png"
	r, err := New(opts)
	require.NoError(t, err)

	data, err := r.Render(context.Background(), TemplateName, map[string]string{"name": "Ann Lee", "email": "ann@example.org"})
	require.NoError(t, err)

	img := decode(t, data)
	assert.Equal(t, image.Rect(0, 0, 500, 420), img.Bounds())
	assert.Equal(t, "/avatars/95/ann@example.org.png", gotPath.Load())

	cr, cg, cb, _ := img.At(70+47, 315+47).RGBA()
	assert.True(t, cr > 0xf000 && cg < 0x1000 && cb < 0x1000, "avatar pasted, got %x %x %x", cr, cg, cb)
	assert.Greater(t, inkIn(img, image.Rect(230, 325, 400, 350)), 0, "name drawn")
	assert.Greater(t, inkIn(img, image.Rect(230, 355, 450, 380)), 0, "email drawn")
	assert.Zero(t, inkIn(img, image.Rect(0, 0, 200, 200)), "template untouched elsewhere")
}

func TestRenderWithoutAvatar(t *testing.T) {
	r, err := New(baseOptions(t))
	require.NoError(t, err)

	data, err := r.Render(context.Background(), TemplateName, map[string]string{"name": "Bob", "email": "bob@example.org"})
	require.NoError(t, err)
	img := decode(t, data)
	assert.Equal(t, color.RGBAModel.Convert(color.White), color.RGBAModel.Convert(img.At(70+47, 315+47)))
}

func TestRenderBlankTemplate(t *testing.T) {
	r, err := New(Options{NameAt: image.Pt(230, 325), EmailAt: image.Pt(230, 355)})
	require.NoError(t, err)

	data, err := r.Render(context.Background(), TemplateName, map[string]string{"name": "Bob"})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 640, 440), decode(t, data).Bounds())
}

func TestRenderAvatarFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing.png":
			http.NotFound(w, r)
		case "/garbage.png":
			_, _ = w.Write([]byte("not an image"))
		case "/slow.png":
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}
	}))
	defer srv.Close()

	fields := map[string]string{"name": "Ann", "email": "ann@example.org"}

	opts := baseOptions(t)
	opts.AvatarURL = srv.URL + "/missing.png"
	r, err := New(opts)
	require.NoError(t, err)
	_, err = r.Render(context.Background(), TemplateName, fields)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusNotFound))

	opts.AvatarURL = srv.URL + "/garbage.png"
	r, err = New(opts)
	require.NoError(t, err)
	_, err = r.Render(context.Background(), TemplateName, fields)
	assert.ErrorContains(t, err, "decode avatar")

	opts.AvatarURL = srv.URL + "/slow.png"
	opts.Timeout = 50 * time.Millisecond
	r, err = New(opts)
	require.NoError(t, err)
	_, err = r.Render(context.Background(), TemplateName, fields)
	assert.ErrorContains(t, err, "fetch avatar")
}

// dropFirstDial fails the first round trip with a dial error and delegates
// the rest.
type dropFirstDial struct {
	calls atomic.Int32
}

func (d *dropFirstDial) RoundTrip(req *http.Request) (*http.Response, error) {
	if d.calls.Add(1) == 1 {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	}
	return http.DefaultTransport.RoundTrip(req)
}

func TestRenderRetriesTransientAvatarFailure(t *testing.T) {
	avatar := solidPNG(t, 40, 40, red)
	var served atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served.Add(1)
		_, _ = w.Write(avatar)
	}))
	defer srv.Close()

	tr := &dropFirstDial{}
	opts := baseOptions(t)
	opts.AvatarURL = srv.URL + "/{email}.png"
	opts.Transport = tr
	opts.RetryBackoff = time.Millisecond
	r, err := New(opts)
	require.NoError(t, err)

	data, err := r.Render(context.Background(), TemplateName, map[string]string{"name": "Ann", "email": "ann@example.org"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, tr.calls.Load())
	assert.EqualValues(t, 1, served.Load())

	cr, cg, cb, _ := decode(t, data).At(70+47, 315+47).RGBA()
	assert.True(t, cr > 0xf000 && cg < 0x1000 && cb < 0x1000, "avatar pasted after retry")

	tr = &dropFirstDial{}
	opts.Transport = tr
	opts.Retries = -1
	r, err = New(opts)
	require.NoError(t, err)
	_, err = r.Render(context.Background(), TemplateName, map[string]string{"name": "Ann", "email": "ann@example.org"})
	assert.ErrorContains(t, err, "fetch avatar")
	assert.EqualValues(t, 1, tr.calls.Load())
}

func TestRenderUnknownTemplate(t *testing.T) {
	r, err := New(baseOptions(t))
	require.NoError(t, err)
	_, err = r.Render(context.Background(), "badge", nil)
	assert.Error(t, err)
}

func TestNewErrors(t *testing.T) {
	_, err := New(Options{TemplatePath: filepath.Join(t.TempDir(), "nope.png")})
	assert.ErrorContains(t, err, "open template")

	bad := filepath.Join(t.TempDir(), "bad.png")
	require.NoError(t, os.WriteFile(bad, []byte("xx"), 0o600))
	_, err = New(Options{TemplatePath: bad})
	assert.ErrorContains(t, err, "decode template")

	_, err = New(Options{FontPath: bad})
	assert.ErrorContains(t, err, "parse font")
}
