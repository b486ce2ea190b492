package dmi

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	nerrors "github.com/pvforecast/nwplake/internal/errors"
)

// timestamps carry an offset or fractional seconds we ignore; the first 19
// characters are the naive UTC time
const listingTimeLayout = "2006-01-02T15:04:05"

// parseListing reads one GeoJSON page and returns its runs and the href of
// the next page, if any.
func parseListing(body []byte) ([]Run, string, error) {
	if !gjson.ValidBytes(body) {
		return nil, "", badListing("response is not valid JSON", nil)
	}
	doc := gjson.ParseBytes(body)
	features := doc.Get("features")
	if !features.IsArray() {
		return nil, "", badListing("response has no features array", nil)
	}

	var (
		runs []Run
		err  error
	)
	features.ForEach(func(i, f gjson.Result) bool {
		var r Run
		r.RunID = f.Get("id").String()
		if r.RunID == "" {
			err = badListing(fmt.Sprintf("feature %d has no id", i.Int()), nil)
			return false
		}
		props := f.Get("properties")
		if r.ModelRunTime, err = listingTime(props, "modelRun", r.RunID); err != nil {
			return false
		}
		if r.Time, err = listingTime(props, "datetime", r.RunID); err != nil {
			return false
		}
		if props.Get("created").Exists() {
			if r.Created, err = listingTime(props, "created", r.RunID); err != nil {
				return false
			}
		}
		runs = append(runs, r)
		return true
	})
	if err != nil {
		return nil, "", err
	}

	next := doc.Get(`links.#(rel=="next").href`).String()
	return runs, next, nil
}

func listingTime(props gjson.Result, field, runID string) (time.Time, error) {
	raw := props.Get(field).String()
	if len(raw) < len(listingTimeLayout) {
		return time.Time{}, badListing(fmt.Sprintf("%s: %s %q is not a timestamp", runID, field, raw), nil)
	}
	t, err := time.Parse(listingTimeLayout, raw[:len(listingTimeLayout)])
	if err != nil {
		return time.Time{}, badListing(fmt.Sprintf("%s: %s %q", runID, field, raw), err)
	}
	return t, nil
}

func badListing(msg string, cause error) error {
	return nerrors.NewUpstreamError(nerrors.CodeBadListing, "dmi: listing: "+msg, cause)
}
