// Package schedule interleaves dispatch across targets in proportion to
// their configured weights.
package schedule

// Source is anything the scheduler can pick work from. A source with no
// pending work is skipped and accrues no credit while empty.
type Source interface {
	Name() string
	Weight() int
	PendingLen() int
}

// Scheduler implements smooth weighted round robin. Each pick adds every
// non-empty source's weight to its running credit, selects the source with
// the most credit, and charges the winner the total weight in play. Over
// time the pick counts converge to the weight ratios without bursting.
type Scheduler struct {
	sources []Source
	credit  []int
}

func New(sources []Source) *Scheduler {
	return &Scheduler{
		sources: sources,
		credit:  make([]int, len(sources)),
	}
}

// Pick returns the next source to dispatch from, or nil when every source
// is empty. The caller serializes Pick with its queue pops.
func (s *Scheduler) Pick() Source {
	best := -1
	total := 0
	for i, src := range s.sources {
		if src.PendingLen() == 0 {
			continue
		}
		s.credit[i] += src.Weight()
		total += src.Weight()
		if best == -1 || s.credit[i] > s.credit[best] {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	s.credit[best] -= total
	return s.sources[best]
}
