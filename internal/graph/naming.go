package graph

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	clusterTopEntities = 5
	nameEntities       = 3
)

// describe derives the top entities, display name and mean importance of a
// cluster from its members.
func describe(nodes []node, members []int) (name string, top []string, avgImportance float64) {
	weights := make(map[string]float64)
	var importance int
	for _, m := range members {
		for _, e := range nodes[m].Entities {
			weights[e] += nodes[m].weight(e)
		}
		importance += nodes[m].Importance
	}
	if len(members) > 0 {
		avgImportance = float64(importance) / float64(len(members))
	}

	top = topTerms(weights, clusterTopEntities)
	return clusterName(top), top, avgImportance
}

// clusterName joins the leading entities into a title, e.g.
// "Docker / Compose / Networking".
func clusterName(entities []string) string {
	if len(entities) == 0 {
		return "Miscellaneous"
	}
	n := nameEntities
	if len(entities) < n {
		n = len(entities)
	}

	caser := cases.Title(language.English)
	parts := make([]string, n)
	for i, e := range entities[:n] {
		parts[i] = caser.String(e)
	}
	return strings.Join(parts, " / ")
}

// sortedIDs returns the memory ids of members in ascending order.
func sortedIDs(nodes []node, members []int) []string {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = nodes[m].ID
	}
	sort.Strings(ids)
	return ids
}
