// ABOUTME: QR label rendering for container viewer links
// ABOUTME: Draws a QR code with a quiet zone and a text band carrying the container label

package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"net/url"
	"strings"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	// ModuleSize is the edge length of one QR module in pixels.
	ModuleSize = 10
	// QuietZone is the blank margin around the code, in modules.
	QuietZone = 4
	// LabelHeight is the height of the text band under the code.
	LabelHeight = 30
)

// ViewerURL returns the viewer page link for a container.
func ViewerURL(baseURL, containerID string) string {
	return strings.TrimRight(baseURL, "/") + "/view?cid=" + url.QueryEscape(containerID)
}

// Label renders content as a QR code (error correction level M) with label
// centered in a band below it, encoded as PNG.
func Label(content, label string) ([]byte, error) {
	if content == "" {
		return nil, errors.New("qr content is empty")
	}

	code, err := qr.Encode(content, qr.M, qr.Auto)
	if err != nil {
		return nil, fmt.Errorf("encoding qr: %w", err)
	}
	modules := code.Bounds().Dx()
	code, err = barcode.Scale(code, modules*ModuleSize, modules*ModuleSize)
	if err != nil {
		return nil, fmt.Errorf("scaling qr: %w", err)
	}

	margin := QuietZone * ModuleSize
	side := modules*ModuleSize + 2*margin
	img := image.NewRGBA(image.Rect(0, 0, side, side+LabelHeight))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(img, code.Bounds().Add(image.Pt(margin, margin)), code, code.Bounds().Min, draw.Src)

	if label != "" {
		drawLabel(img, fitLabel(label, side-2*ModuleSize), side)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}
	return buf.Bytes(), nil
}

func drawLabel(img *image.RGBA, text string, top int) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()
	x := (img.Bounds().Dx() - width) / 2
	// Vertically centre the 13px face in the band.
	y := top + (LabelHeight+face.Ascent-face.Descent)/2

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

// fitLabel shortens text with an ellipsis until it fits in maxWidth pixels.
func fitLabel(text string, maxWidth int) string {
	face := basicfont.Face7x13
	if font.MeasureString(face, text).Ceil() <= maxWidth {
		return text
	}
	runes := []rune(text)
	for len(runes) > 0 {
		runes = runes[:len(runes)-1]
		candidate := string(runes) + "..."
		if font.MeasureString(face, candidate).Ceil() <= maxWidth {
			return candidate
		}
	}
	return ""
}
