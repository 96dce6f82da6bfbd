package mapgraph

import "fmt"

// Report summarises a consistency check of the store.
type Report struct {
	KeyFrames    int
	BadKeyFrames int
	Points       int
	BadPoints    int
	// OrphanPoints are good points that no keyframe observes.
	OrphanPoints int
	// Links counts good keyframe slots holding a good point.
	Links    int
	Problems []string
}

// Consistent reports whether no problems were found.
func (r Report) Consistent() bool { return len(r.Problems) == 0 }

// Verify checks slot/observation symmetry between good keyframes and good
// points, and that every bad keyframe's pose can still be resolved through
// its parent chain.
func (s *Store) Verify() Report {
	var r Report
	problem := func(format string, args ...any) {
		r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
	}

	for _, kf := range s.KeyFrames() {
		r.KeyFrames++
		if kf.IsBad() {
			r.BadKeyFrames++
			if _, _, err := s.ResolvePose(kf.ID); err != nil {
				problem("keyframe %d: %v", kf.ID, err)
			}
			continue
		}
		for i, pid := range kf.Slots() {
			if pid == 0 {
				continue
			}
			p := s.MapPoint(pid)
			if p == nil {
				problem("keyframe %d slot %d: point %d not in store", kf.ID, i, pid)
				continue
			}
			if p.IsBad() {
				continue
			}
			r.Links++
			if idx, ok := p.ObservationIndex(kf.ID); !ok || idx != i {
				problem("keyframe %d slot %d holds point %d but the point does not observe it there", kf.ID, i, pid)
			}
		}
	}

	for _, p := range s.MapPoints() {
		r.Points++
		if p.IsBad() {
			r.BadPoints++
			continue
		}
		obs := p.Observations()
		if len(obs) == 0 {
			r.OrphanPoints++
		}
		for kfID, idx := range obs {
			kf := s.KeyFrame(kfID)
			if kf == nil || kf.IsBad() {
				problem("point %d observed by missing or bad keyframe %d", p.ID, kfID)
				continue
			}
			if kf.MapPointAt(idx) != p.ID {
				problem("point %d observed by keyframe %d at slot %d, slot holds %d", p.ID, kfID, idx, kf.MapPointAt(idx))
			}
		}
	}
	return r
}
