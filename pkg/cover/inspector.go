package cover

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	maxImageBytes   = 8 << 20
	sampleWidth     = 48
	grayTolerance   = 12
	grayRatioNeeded = 0.98
)

var ErrNotImage = errors.New("cover: response is not a decodable image")

// Inspection is what a fetched cover reveals about itself.
type Inspection struct {
	Width     int
	Height    int
	Grayscale bool
}

// Inspector downloads a cover to measure it. It never holds database locks,
// callers run it before opening the upsert transaction.
type Inspector struct {
	client *http.Client
}

func NewInspector(client *http.Client) *Inspector {
	if client == nil {
		client = &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Inspector{client: client}
}

func (i *Inspector) Inspect(ctx context.Context, imageURL string) (Inspection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return Inspection{}, err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return Inspection{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Inspection{}, fmt.Errorf("unexpected status %d fetching cover", resp.StatusCode)
	}

	img, err := imaging.Decode(io.LimitReader(resp.Body, maxImageBytes), imaging.AutoOrientation(true))
	if err != nil {
		return Inspection{}, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	return Measure(img), nil
}

// Measure reports the size of img and whether it is effectively grayscale.
func Measure(img image.Image) Inspection {
	b := img.Bounds()
	return Inspection{
		Width:     b.Dx(),
		Height:    b.Dy(),
		Grayscale: isGrayscale(img),
	}
}

func isGrayscale(img image.Image) bool {
	if img.Bounds().Dx() > sampleWidth {
		img = imaging.Resize(img, sampleWidth, 0, imaging.Box)
	}
	sample := imaging.Clone(img)
	total, gray := 0, 0
	for i := 0; i+3 < len(sample.Pix); i += 4 {
		r, g, b := int(sample.Pix[i]), int(sample.Pix[i+1]), int(sample.Pix[i+2])
		total++
		if abs(r-g) <= grayTolerance && abs(g-b) <= grayTolerance && abs(r-b) <= grayTolerance {
			gray++
		}
	}
	if total == 0 {
		return false
	}
	return float64(gray)/float64(total) >= grayRatioNeeded
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
