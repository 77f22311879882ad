package sim

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"time"

	"agvlink/vehicle"
)

var regionColors = map[string]color.RGBA{
	"red":    {220, 40, 40, 255},
	"green":  {40, 180, 60, 255},
	"blue":   {40, 70, 220, 255},
	"purple": {140, 50, 170, 255},
	"yellow": {230, 210, 40, 255},
	"orange": {240, 140, 30, 255},
}

var floor = color.RGBA{90, 90, 90, 255}

// Camera renders small synthetic JPEG frames of the track into a FrameCell:
// a floor with the visible region painted as a band.
type Camera struct {
	World    *World
	Frames   *vehicle.FrameCell
	Interval time.Duration
	Width    int
	Height   int
}

// Run captures frames until ctx is done.
func (c *Camera) Run(ctx context.Context) error {
	interval := c.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if err := c.Capture(); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Capture(); err != nil {
				return err
			}
		}
	}
}

// Capture renders and stores one frame.
func (c *Camera) Capture() error {
	data, err := c.render()
	if err != nil {
		return err
	}
	c.Frames.Store(data)
	return nil
}

func (c *Camera) render() ([]byte, error) {
	w, h := c.Width, c.Height
	if w <= 0 || h <= 0 {
		w, h = 160, 120
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{floor}, image.Point{}, draw.Src)

	if c.World != nil {
		if name, ok := c.World.RegionInView(); ok {
			col, known := regionColors[name]
			if !known {
				col = color.RGBA{255, 255, 255, 255}
			}
			band := image.Rect(w/4, 0, 3*w/4, h)
			draw.Draw(img, band, &image.Uniform{col}, image.Point{}, draw.Src)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 70}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
