package imagery

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"
)

// GenerateThumbnail decodes an image, applies EXIF orientation, scales
// its larger edge down to the given bound preserving aspect ratio, and
// returns the PNG bytes. Images already within the bound are still
// re-encoded so the stored thumbnail format is uniform.
func GenerateThumbnail(data []byte, orientation, size int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	img = applyOrientation(img, orientation)

	bounds := img.Bounds()
	var thumb image.Image
	if bounds.Dy() >= bounds.Dx() {
		// Portrait (or square): bound the height.
		thumb = imaging.Resize(img, 0, size, imaging.Lanczos)
	} else {
		thumb = imaging.Resize(img, size, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, thumb); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// applyOrientation transforms an image according to its EXIF
// orientation value.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// ImageDimensions decodes an image header just enough to get its
// dimensions.
func ImageDimensions(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}
