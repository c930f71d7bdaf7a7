package transfer

import (
	"github.com/disintegration/imaging"

	apperrors "github.com/wayfarer/sync-engine/internal/errors"
)

// GenerateThumbnail writes a downscaled copy of the image at srcPath to
// dstPath, fitting it inside maxDim x maxDim while keeping the aspect ratio.
// Images already smaller than the bound are copied as-is.
func GenerateThumbnail(srcPath, dstPath string, maxDim int) error {
	img, err := imaging.Open(srcPath, imaging.AutoOrientation(true))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "cannot decode image for thumbnail", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxDim || bounds.Dy() > maxDim {
		img = imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	}

	if err := imaging.Save(img, dstPath, imaging.JPEGQuality(85)); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "cannot write thumbnail", err)
	}
	return nil
}
