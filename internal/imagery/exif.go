// Package imagery is the downstream image processing stage: it consumes
// forwarded processing jobs, extracts EXIF metadata, and optionally
// generates thumbnails.
package imagery

import (
	"io"
	"math"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
)

// ExifData holds the EXIF fields persisted per image.
type ExifData struct {
	Width       int
	Height      int
	CameraMake  string
	CameraModel string
	ISO         int
	Aperture    float32
	DateTaken   *time.Time
	Latitude    *float64
	Longitude   *float64
	Orientation int
}

// ExtractExif reads EXIF data from an image reader. An image without
// EXIF yields defaults (orientation 1), not an error.
func ExtractExif(r io.Reader) (*ExifData, error) {
	x, err := exif.Decode(r)
	if err != nil {
		return &ExifData{Orientation: 1}, nil
	}

	d := &ExifData{Orientation: 1}

	d.CameraMake = getTagString(x, exif.Make)
	d.CameraModel = getTagString(x, exif.Model)

	if ap, err := x.Get(exif.FNumber); err == nil {
		if nums, denom, err := ap.Rat2(0); err == nil && denom != 0 {
			d.Aperture = float32(nums) / float32(denom)
		}
	}

	if iso, err := x.Get(exif.ISOSpeedRatings); err == nil {
		if v, err := iso.Int(0); err == nil {
			d.ISO = v
		}
	}

	if dt, err := x.DateTime(); err == nil {
		d.DateTaken = &dt
	}

	if lat, lon, err := x.LatLong(); err == nil {
		if !math.IsNaN(lat) && !math.IsNaN(lon) {
			d.Latitude = &lat
			d.Longitude = &lon
		}
	}

	if orient, err := x.Get(exif.Orientation); err == nil {
		if v, err := orient.Int(0); err == nil && v >= 1 && v <= 8 {
			d.Orientation = v
		}
	}

	if pw, err := x.Get(exif.PixelXDimension); err == nil {
		if v, err := pw.Int(0); err == nil {
			d.Width = v
		}
	}
	if ph, err := x.Get(exif.PixelYDimension); err == nil {
		if v, err := ph.Int(0); err == nil {
			d.Height = v
		}
	}

	return d, nil
}

// getTagString extracts a string value from an EXIF tag.
func getTagString(x *exif.Exif, f exif.FieldName) string {
	tag, err := x.Get(f)
	if err != nil {
		return ""
	}
	if tag.Format() == tiff.StringVal {
		s, _ := tag.StringVal()
		return s
	}
	return tag.String()
}
