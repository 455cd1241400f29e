// Package ticket renders registration tickets: the attendee's name and email
// drawn on a PNG template with an avatar pasted next to them.
package ticket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/m3rciful/regbot/core/logger"
	"github.com/m3rciful/regbot/core/netutil"
)

// TemplateName is the only template this renderer knows.
const TemplateName = "ticket"

const maxAvatarBytes = 5 << 20

// Options configures a Renderer. Offsets are the top-left corners of the
// drawn elements. AvatarURL may contain {email} and {size} placeholders; an
// empty AvatarURL disables the avatar.
type Options struct {
	TemplatePath string
	FontPath     string
	FontSize     float64
	NameAt       image.Point
	EmailAt      image.Point
	AvatarAt     image.Point
	AvatarSize   int
	AvatarURL    string
	Timeout      time.Duration

	// Retries and RetryBackoff tune the default retrying client; 0 picks
	// the netutil defaults, negative Retries disables retries.
	Retries      int
	RetryBackoff time.Duration

	// Transport is the base transport of the default client.
	Transport http.RoundTripper
	Client    *http.Client
}

// Renderer draws tickets. It is safe for concurrent use.
type Renderer struct {
	opts     Options
	template image.Image
	fontData *opentype.Font
	client   *http.Client
}

// New loads the template and font. Without a template path a blank ticket
// is used; without a font path Go Regular is used.
func New(opts Options) (*Renderer, error) {
	if opts.FontSize <= 0 {
		opts.FontSize = 20
	}
	if opts.AvatarSize <= 0 {
		opts.AvatarSize = 95
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	tmpl, err := loadTemplate(opts.TemplatePath)
	if err != nil {
		return nil, err
	}

	ttf := goregular.TTF
	if opts.FontPath != "" {
		if ttf, err = os.ReadFile(opts.FontPath); err != nil {
			return nil, fmt.Errorf("ticket: read font: %w", err)
		}
	}
	f, err := opentype.Parse(ttf)
	if err != nil {
		return nil, fmt.Errorf("ticket: parse font: %w", err)
	}

	client := opts.Client
	if client == nil {
		client = netutil.BuildHTTPClient(netutil.ClientOptions{
			Timeout:      opts.Timeout,
			Retries:      opts.Retries,
			RetryBackoff: opts.RetryBackoff,
			Base:         opts.Transport,
		})
	}
	return &Renderer{opts: opts, template: tmpl, fontData: f, client: client}, nil
}

func loadTemplate(path string) (image.Image, error) {
	if path == "" {
		return blankTemplate(), nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ticket: open template: %w", err)
	}
	defer file.Close()
	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("ticket: decode template: %w", err)
	}
	return img, nil
}

func blankTemplate() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 640, 440))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{0xf4, 0xf1, 0xe8, 0xff}), image.Point{}, draw.Src)
	border := color.RGBA{0x33, 0x33, 0x33, 0xff}
	b := img.Bounds()
	for x := b.Min.X; x < b.Max.X; x++ {
		img.Set(x, b.Min.Y, border)
		img.Set(x, b.Max.Y-1, border)
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		img.Set(b.Min.X, y, border)
		img.Set(b.Max.X-1, y, border)
	}
	return img
}

// Render draws fields["name"] and fields["email"] on the template and
// returns the PNG-encoded result.
func (r *Renderer) Render(ctx context.Context, template string, fields map[string]string) ([]byte, error) {
	if template != TemplateName {
		return nil, fmt.Errorf("ticket: unknown template %q", template)
	}
	started := time.Now()
	name, email := fields["name"], fields["email"]

	face, err := opentype.NewFace(r.fontData, &opentype.FaceOptions{
		Size:    r.opts.FontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("ticket: font face: %w", err)
	}
	defer face.Close()

	b := r.template.Bounds()
	canvas := image.NewRGBA(b)
	draw.Draw(canvas, b, r.template, b.Min, draw.Src)

	drawText(canvas, face, r.opts.NameAt, name)
	drawText(canvas, face, r.opts.EmailAt, email)

	if r.opts.AvatarURL != "" {
		avatar, err := r.fetchAvatar(ctx, email)
		if err != nil {
			return nil, err
		}
		size := r.opts.AvatarSize
		dst := image.Rect(0, 0, size, size).Add(r.opts.AvatarAt)
		xdraw.CatmullRom.Scale(canvas, dst, avatar, avatar.Bounds(), draw.Over, nil)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("ticket: encode: %w", err)
	}
	logger.Debug(ctx, logger.CompTicket, "ticket.rendered",
		slog.Duration("duration", time.Since(started)),
		slog.Int("bytes", buf.Len()),
	)
	return buf.Bytes(), nil
}

func drawText(dst draw.Image, face font.Face, at image.Point, text string) {
	if text == "" {
		return
	}
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.Black),
		Face: face,
		Dot:  fixed.P(at.X, at.Y).Add(fixed.Point26_6{Y: face.Metrics().Ascent}),
	}
	d.DrawString(text)
}

func (r *Renderer) avatarURL(email string) string {
	out := strings.ReplaceAll(r.opts.AvatarURL, "{email}", url.PathEscape(email))
	return strings.ReplaceAll(out, "{size}", strconv.Itoa(r.opts.AvatarSize))
}

func (r *Renderer) fetchAvatar(ctx context.Context, email string) (image.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.avatarURL(email), nil)
	if err != nil {
		return nil, fmt.Errorf("ticket: avatar request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ticket: fetch avatar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ticket: fetch avatar: %w", &StatusError{Code: resp.StatusCode})
	}
	img, _, err := image.Decode(io.LimitReader(resp.Body, maxAvatarBytes))
	if err != nil {
		return nil, fmt.Errorf("ticket: decode avatar: %w", err)
	}
	return img, nil
}

// StatusError is returned when the avatar service answers with a non-200 code.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return "unexpected status " + strconv.Itoa(e.Code)
}

// IsStatus reports whether err carries an avatar StatusError with code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
