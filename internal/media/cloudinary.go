// Package media uploads rendered imagery to Cloudinary and derives the
// display URLs served back to callers.
package media

import (
	"context"
	"fmt"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

const (
	optimizedTransformation = "f_auto,q_auto"
	thumbnailTransformation = "c_fill,w_400,h_300"
)

// Asset holds the three URLs derived from a single upload.
type Asset struct {
	URL          string
	OptimizedURL string
	ThumbnailURL string
}

type Uploader struct {
	cld *cloudinary.Cloudinary
}

func NewUploader(cloudName, apiKey, apiSecret string) (*Uploader, error) {
	cld, err := cloudinary.NewFromParams(cloudName, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("cloudinary client: %w", err)
	}
	return &Uploader{cld: cld}, nil
}

// Upload pushes the image under a job-scoped folder keyed by year and
// returns the canonical, optimized and thumbnail URLs.
func (u *Uploader) Upload(ctx context.Context, path, jobID string, year int) (*Asset, error) {
	resp, err := u.cld.Upload.Upload(ctx, path, uploader.UploadParams{
		Folder:       fmt.Sprintf("geofy/%s", jobID),
		PublicID:     fmt.Sprintf("imagery_%d", year),
		ResourceType: "image",
	})
	if err != nil {
		return nil, fmt.Errorf("upload to cloudinary: %w", err)
	}
	if resp.Error.Message != "" {
		return nil, fmt.Errorf("upload to cloudinary: %s", resp.Error.Message)
	}

	optimized, thumbnail, err := u.DeriveURLs(resp.PublicID)
	if err != nil {
		return nil, err
	}

	return &Asset{
		URL:          resp.SecureURL,
		OptimizedURL: optimized,
		ThumbnailURL: thumbnail,
	}, nil
}

// DeriveURLs builds the optimized and thumbnail delivery URLs for an
// already-uploaded public id.
func (u *Uploader) DeriveURLs(publicID string) (optimized, thumbnail string, err error) {
	img, err := u.cld.Image(publicID)
	if err != nil {
		return "", "", fmt.Errorf("build optimized url: %w", err)
	}
	img.Transformation = optimizedTransformation
	optimized, err = img.String()
	if err != nil {
		return "", "", fmt.Errorf("build optimized url: %w", err)
	}

	thumb, err := u.cld.Image(publicID)
	if err != nil {
		return "", "", fmt.Errorf("build thumbnail url: %w", err)
	}
	thumb.Transformation = thumbnailTransformation
	thumbnail, err = thumb.String()
	if err != nil {
		return "", "", fmt.Errorf("build thumbnail url: %w", err)
	}

	return optimized, thumbnail, nil
}
