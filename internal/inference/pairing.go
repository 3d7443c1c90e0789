package inference

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/driftwatch/internal/apperr"
	"github.com/kiranshivaraju/driftwatch/pkg/models"
)

// RangeAll selects every video in a dataset.
const RangeAll = "all"

// Range selects a window of a dataset's videos ordered by upload time.
// Bounds are inclusive offsets.
type Range struct {
	All   bool
	Start int
	End   int
}

// ParseRange accepts "all" or "start-end".
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, RangeAll) {
		return Range{All: true}, nil
	}

	startStr, endStr, ok := strings.Cut(s, "-")
	if !ok {
		return Range{}, fmt.Errorf("%w: range must be %q or \"start-end\", got %q", apperr.ErrValidation, RangeAll, s)
	}
	start, err := strconv.Atoi(startStr)
	if err != nil || start < 0 {
		return Range{}, fmt.Errorf("%w: invalid range start %q", apperr.ErrValidation, startStr)
	}
	end, err := strconv.Atoi(endStr)
	if err != nil || end < 0 {
		return Range{}, fmt.Errorf("%w: invalid range end %q", apperr.ErrValidation, endStr)
	}
	if end < start {
		return Range{}, fmt.Errorf("%w: range end %d is before start %d", apperr.ErrValidation, end, start)
	}
	return Range{Start: start, End: end}, nil
}

// Window returns the offset and limit to list with. A zero limit means no
// limit.
func (r Range) Window() (offset, limit int) {
	if r.All {
		return 0, 0
	}
	return r.Start, r.End - r.Start + 1
}

func (r Range) String() string {
	if r.All {
		return RangeAll
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Pair is one goal/current comparison.
type Pair struct {
	Goal    *models.Video
	Current *models.Video
}

// PairVideos pairs consecutive videos. A single video is compared with
// itself, so n videos always yield max(1, n-1) pairs.
func PairVideos(videos []*models.Video) []Pair {
	switch len(videos) {
	case 0:
		return nil
	case 1:
		return []Pair{{Goal: videos[0], Current: videos[0]}}
	}
	pairs := make([]Pair, 0, len(videos)-1)
	for i := 0; i < len(videos)-1; i++ {
		pairs = append(pairs, Pair{Goal: videos[i], Current: videos[i+1]})
	}
	return pairs
}
