package mapgraph

// CovisibilityThreshold is the minimum number of shared observations for a
// covisibility edge.
const CovisibilityThreshold = 15

// UpdateConnections rebuilds the covisibility edges of keyframe id from the
// observations of the points in its slots. Neighbours sharing at least
// CovisibilityThreshold points are connected in both directions; if none
// qualifies, only the strongest neighbour is. The spanning tree is left
// untouched. Bad or unknown keyframes are ignored.
func (s *Store) UpdateConnections(id KeyFrameID) {
	kf := s.KeyFrame(id)
	if kf == nil || kf.IsBad() {
		return
	}

	counter := map[KeyFrameID]int{}
	for _, pid := range kf.MapPoints() {
		p := s.MapPoint(pid)
		if p == nil || p.IsBad() {
			continue
		}
		for other := range p.Observations() {
			if other == id {
				continue
			}
			counter[other]++
		}
	}

	var best KeyFrameID
	bestWeight := 0
	conns := map[KeyFrameID]int{}
	for other, w := range counter {
		nb := s.KeyFrame(other)
		if nb == nil || nb.IsBad() {
			continue
		}
		if w > bestWeight || (w == bestWeight && other < best) {
			best, bestWeight = other, w
		}
		if w >= CovisibilityThreshold {
			conns[other] = w
			nb.AddConnection(id, w)
		}
	}
	if len(conns) == 0 && best != 0 {
		conns[best] = bestWeight
		s.KeyFrame(best).AddConnection(id, bestWeight)
	}

	kf.setConnections(conns)
}
