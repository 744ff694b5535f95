// Package partition implements one shard of the inverted index: a map from
// token to the documents containing it, each with a short version history.
package partition

import (
	"sort"
)

// Partition is a mutable inverted-index shard. A worker owns its copy for a
// single read-merge-publish cycle, so it is not safe for concurrent use.
type Partition struct {
	entries    map[string]*TokenEntry
	size       int
	startToken string
	endToken   string
}

func New() *Partition {
	return &Partition{entries: make(map[string]*TokenEntry)}
}

// AddToken merges one write of token in documentID into the partition.
// Bounds widen to include token. An unseen token creates a new entry and
// grows Size by one. For a known token the document either gains its first
// version or has the new version pushed to the front of its history, which
// is then truncated to MaxVersions. Replaying the write that produced the
// newest version (same lockNo) replaces it instead, so a redelivered task
// does not evict older history.
func (p *Partition) AddToken(token, documentID string, lockNo int64, ngramSize int, locations []int) {
	if len(p.entries) == 0 {
		p.startToken, p.endToken = token, token
	} else {
		if token < p.startToken {
			p.startToken = token
		}
		if token > p.endToken {
			p.endToken = token
		}
	}

	version := Version{WriteLockNo: lockNo, Locations: append([]int(nil), locations...)}

	entry, ok := p.entries[token]
	if !ok {
		p.entries[token] = &TokenEntry{
			NgramSize: ngramSize,
			DocumentOccurrences: []Occurrence{
				{DocumentID: documentID, Versions: []Version{version}},
			},
		}
		p.size++
		return
	}

	occ := entry.occurrence(documentID)
	if occ == nil {
		entry.DocumentOccurrences = append(entry.DocumentOccurrences, Occurrence{
			DocumentID: documentID,
			Versions:   []Version{version},
		})
		return
	}

	if len(occ.Versions) > 0 && occ.Versions[0].WriteLockNo == lockNo {
		occ.Versions[0] = version
		return
	}

	versions := make([]Version, 0, MaxVersions)
	versions = append(versions, version)
	for _, v := range occ.Versions {
		if len(versions) == MaxVersions {
			break
		}
		versions = append(versions, v)
	}
	occ.Versions = versions
}

// TokenCount sums the location counts of the most recent version of token
// across all documents. It reports false, with NotApplicable, for unknown
// tokens and for tokens whose ngram size is not 1.
func (p *Partition) TokenCount(token string) (int, bool) {
	entry, ok := p.entries[token]
	if !ok || entry.NgramSize != 1 {
		return NotApplicable, false
	}
	count := 0
	for _, occ := range entry.DocumentOccurrences {
		if len(occ.Versions) > 0 {
			count += len(occ.Versions[0].Locations)
		}
	}
	return count, true
}

// Entry returns a copy of the entry for token.
func (p *Partition) Entry(token string) (TokenEntry, bool) {
	entry, ok := p.entries[token]
	if !ok {
		return TokenEntry{}, false
	}
	return entry.clone(), true
}

// Tokens returns every token in the partition in lexicographic order.
func (p *Partition) Tokens() []string {
	tokens := make([]string, 0, len(p.entries))
	for token := range p.entries {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

// Size is the number of distinct tokens.
func (p *Partition) Size() int { return p.size }

func (p *Partition) StartToken() string { return p.startToken }

func (p *Partition) EndToken() string { return p.endToken }
