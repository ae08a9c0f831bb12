// Package artwork downloads album art and prepares it as a playlist cover.
package artwork

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // album art is occasionally served as PNG
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"spotsync/internal/core"
)

const (
	// CoverSize is the edge length of the uploaded square cover.
	CoverSize = 640
	// DefaultQuality is the first JPEG quality tried.
	DefaultQuality = 85
	// MinQuality is the lowest quality tried before giving up on the size limit.
	MinQuality = 45
	// MaxUploadBytes keeps the base64 payload under Spotify's 256KB cover limit.
	MaxUploadBytes = 190 * 1024
	// MaxDownloadBytes bounds how much of a remote image is read.
	MaxDownloadBytes = 10 << 20
	// DownloadTimeout bounds a single image download.
	DownloadTimeout = 20 * time.Second

	qualityStep = 10
)

// Fetcher downloads album art and re-encodes it for upload.
type Fetcher struct {
	client *http.Client
	policy core.RetryPolicy
	logger *zap.Logger
}

var _ core.ImageFetcher = (*Fetcher)(nil)

// NewFetcher builds a Fetcher. A nil client uses a client with DownloadTimeout.
func NewFetcher(client *http.Client, policy core.RetryPolicy, logger *zap.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: DownloadTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	policy.Logger = logger
	return &Fetcher{client: client, policy: policy, logger: logger}
}

// Fetch downloads url and returns a CoverSize square JPEG small enough to upload.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	raw, err := core.Retry(ctx, f.policy, "download album art", func(ctx context.Context) ([]byte, error) {
		return f.download(ctx, url)
	})
	if err != nil {
		return nil, err
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, core.NewRemoteError(core.KindPermanent, "decode album art", 0, err)
	}

	out, quality, err := Encode(img)
	if err != nil {
		return nil, err
	}
	f.logger.Debug("Prepared cover image",
		zap.String("url", url),
		zap.String("sourceFormat", format),
		zap.Int("sourceBytes", len(raw)),
		zap.Int("bytes", len(out)),
		zap.Int("quality", quality))
	return out, nil
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, core.NewRemoteError(core.KindPermanent, "download album art", 0, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, core.NewRemoteError(core.KindTransient, "download album art", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := core.KindPermanent
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
			kind = core.KindTransient
		case resp.StatusCode == http.StatusNotFound:
			kind = core.KindNotFound
		}
		return nil, core.NewRemoteError(kind, "download album art", resp.StatusCode,
			fmt.Errorf("unexpected status %s", resp.Status))
	}

	if !isImage(resp.Header.Get("Content-Type")) {
		return nil, core.NewRemoteError(core.KindPermanent, "download album art", resp.StatusCode,
			fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type")))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxDownloadBytes+1))
	if err != nil {
		return nil, core.NewRemoteError(core.KindTransient, "download album art", resp.StatusCode, err)
	}
	if len(data) > MaxDownloadBytes {
		return nil, core.NewRemoteError(core.KindPermanent, "download album art", resp.StatusCode,
			fmt.Errorf("image larger than %d bytes", MaxDownloadBytes))
	}
	return data, nil
}

func isImage(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "image/")
}

// Encode scales img to a CoverSize square and encodes it as JPEG, lowering the
// quality until the result fits MaxUploadBytes. It returns the quality used.
func Encode(img image.Image) ([]byte, int, error) {
	dst := image.NewRGBA(image.Rect(0, 0, CoverSize, CoverSize))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	for quality := DefaultQuality; quality >= MinQuality; quality -= qualityStep {
		buf.Reset()
		if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
			return nil, 0, fmt.Errorf("encode cover: %w", err)
		}
		if buf.Len() <= MaxUploadBytes {
			return buf.Bytes(), quality, nil
		}
	}
	return nil, 0, fmt.Errorf("cover still %d bytes at quality %d, limit is %d", buf.Len(), MinQuality, MaxUploadBytes)
}
