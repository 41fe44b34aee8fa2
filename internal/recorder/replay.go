package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/marketstate"
)

// maxFrameBytes bounds one JSONL line.
const maxFrameBytes = 16 << 20

// Detector re-runs detection on a replayed snapshot.
type Detector interface {
	Detect(snap *marketstate.Snapshot) []domain.Opportunity
}

// Divergence is a pair whose replayed result differs from the recording.
// Recorded or Replayed is nil when only one side found an opportunity.
type Divergence struct {
	Path     string
	Sequence uint64
	PairID   string
	Recorded *OpportunityFrame
	Replayed *OpportunityFrame
	Reason   string
}

// Report summarises a replay.
type Report struct {
	Files         int
	Frames        int
	Opportunities int
	Divergences   []Divergence
}

// ReadFrames decodes JSONL frames from r and calls fn for each.
func ReadFrames(r io.Reader, fn func(Frame) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(sc.Bytes(), &f); err != nil {
			return fmt.Errorf("recorder: line %d: %w", line, err)
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("recorder: read: %w", err)
	}
	return nil
}

// Replay re-runs det over every frame in r and compares the output with the
// recorded opportunities. path labels divergences.
func Replay(path string, r io.Reader, det Detector) (Report, error) {
	var rep Report
	err := ReadFrames(r, func(f Frame) error {
		snap, err := f.Snapshot()
		if err != nil {
			return err
		}
		rep.Frames++
		replayed := det.Detect(snap)
		rep.Opportunities += len(replayed)
		rep.Divergences = append(rep.Divergences, compare(path, f, replayed)...)
		return nil
	})
	return rep, err
}

// ReplayAll replays every recording under prefix in key order.
func ReplayAll(ctx context.Context, blob domain.BlobReader, prefix string, det Detector) (Report, error) {
	infos, err := blob.List(ctx, prefix)
	if err != nil {
		return Report{}, fmt.Errorf("recorder: list %s: %w", prefix, err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })

	var total Report
	for _, info := range infos {
		if !strings.HasSuffix(info.Path, ".jsonl") {
			continue
		}
		rc, err := blob.Get(ctx, info.Path)
		if err != nil {
			return total, err
		}
		rep, err := Replay(info.Path, rc, det)
		rc.Close()
		if err != nil {
			return total, fmt.Errorf("recorder: replay %s: %w", info.Path, err)
		}
		total.Files++
		total.Frames += rep.Frames
		total.Opportunities += rep.Opportunities
		total.Divergences = append(total.Divergences, rep.Divergences...)
	}
	return total, nil
}

func compare(path string, f Frame, replayed []domain.Opportunity) []Divergence {
	recorded := make(map[string]OpportunityFrame, len(f.Opportunities))
	for _, o := range f.Opportunities {
		recorded[o.PairID] = o
	}
	var out []Divergence
	seen := make(map[string]bool, len(replayed))
	for _, o := range replayed {
		got := opportunityFrame(o)
		seen[o.PairID] = true
		want, ok := recorded[o.PairID]
		if !ok {
			out = append(out, Divergence{Path: path, Sequence: f.Sequence, PairID: o.PairID, Replayed: &got, Reason: "not recorded"})
			continue
		}
		if reason := diff(want, got); reason != "" {
			out = append(out, Divergence{Path: path, Sequence: f.Sequence, PairID: o.PairID, Recorded: &want, Replayed: &got, Reason: reason})
		}
	}
	for _, o := range f.Opportunities {
		if !seen[o.PairID] {
			want := o
			out = append(out, Divergence{Path: path, Sequence: f.Sequence, PairID: o.PairID, Recorded: &want, Reason: "not replayed"})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PairID < out[j].PairID })
	return out
}

func diff(want, got OpportunityFrame) string {
	switch {
	case want.ID != got.ID:
		return "id"
	case want.Direction != got.Direction:
		return "direction"
	case !want.ExpectedEdge.Equal(got.ExpectedEdge):
		return "expected_edge"
	case !want.Size.Equal(got.Size):
		return "size"
	case !want.ReferencePrice.Equal(got.ReferencePrice):
		return "reference_price"
	case want.ValidUntil != got.ValidUntil:
		return "valid_until"
	}
	return ""
}
