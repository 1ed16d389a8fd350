package geocode

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"tasksync/internal/geocode/nominatim"
)

const (
	DefaultURL  = "https://nominatim.openstreetmap.org"
	reversePath = "/reverse"
)

var _ Resolver = (*Nominatim)(nil)

type Nominatim struct {
	rc *resty.Client
}

func NewNominatim(baseURL string) *Nominatim {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Nominatim{
		rc: resty.New().
			SetBaseURL(baseURL).
			SetHeader("User-Agent", "tasksync"),
	}
}

func (n *Nominatim) Reverse(ctx context.Context, lat, lng float64) (Result, error) {
	var rev nominatim.Reverse
	resp, err := n.rc.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"format": "jsonv2",
			"lat":    strconv.FormatFloat(lat, 'f', -1, 64),
			"lon":    strconv.FormatFloat(lng, 'f', -1, 64),
		}).
		SetResult(&rev).
		Get(reversePath)
	if err != nil {
		return Result{}, errors.Wrap(err, "error requesting reverse geocode")
	}
	if resp.IsError() {
		return Result{}, errors.Errorf("error requesting reverse geocode: %s", resp.Status())
	}
	if rev.Error != "" {
		return Result{}, errors.Errorf("error requesting reverse geocode: %s", rev.Error)
	}
	return Result{Name: placeName(rev), Address: rev.DisplayName}, nil
}

func placeName(rev nominatim.Reverse) string {
	if rev.Name != "" {
		return rev.Name
	}
	if a := rev.Address; a.Road != "" {
		return strings.TrimSpace(a.Road + " " + a.HouseNumber)
	}
	first, _, _ := strings.Cut(rev.DisplayName, ",")
	return strings.TrimSpace(first)
}
