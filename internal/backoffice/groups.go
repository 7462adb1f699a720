package backoffice

import "sort"

// UserGroup scopes a set of users to sections of the backoffice and to
// content/media start nodes. A user's effective start nodes are the union of
// the user's own and those of every group the user belongs to.
type UserGroup struct {
	ID                int
	Alias             string
	Name              string
	Sections          []string
	ContentStartNodes []int
	MediaStartNodes   []int
}

// ResolveStartNodes computes the effective content and media start nodes for
// a user across its groups. Results are deduplicated and sorted.
func ResolveStartNodes(user *User, groups []*UserGroup) (content, media []int) {
	contentSet := make(map[int]struct{})
	mediaSet := make(map[int]struct{})
	if user != nil {
		for _, id := range user.ContentStartNodes {
			contentSet[id] = struct{}{}
		}
		for _, id := range user.MediaStartNodes {
			mediaSet[id] = struct{}{}
		}
	}
	for _, g := range groups {
		if g == nil {
			continue
		}
		for _, id := range g.ContentStartNodes {
			contentSet[id] = struct{}{}
		}
		for _, id := range g.MediaStartNodes {
			mediaSet[id] = struct{}{}
		}
	}
	return sortedKeys(contentSet), sortedKeys(mediaSet)
}

func sortedKeys(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
