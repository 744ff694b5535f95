package partition

import (
	"errors"
	"reflect"
	"testing"
	"unicode/utf8"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type write struct {
	Token    string
	Document string
	LockNo   int64
	Ngram    int
	Loc      []int
}

// genText mixes a small shared vocabulary with arbitrary text and raw
// byte strings, which need not be valid UTF-8.
func genText(common ...interface{}) gopter.Gen {
	return gen.OneGenOf(
		gen.OneConstOf(common...),
		gen.AnyString(),
		gen.SliceOf(gen.UInt8()).Map(func(b []uint8) string { return string(b) }),
	)
}

func genWrite() gopter.Gen {
	return gopter.CombineGens(
		genText("a", "be", "here", "the", "zebra"),
		genText("doc1", "doc2", "doc3"),
		gen.Int64Range(1, 1000),
		gen.IntRange(1, 3),
		gen.SliceOfN(3, gen.IntRange(0, 500)),
	).Map(func(vals []interface{}) write {
		return write{
			Token:    vals[0].(string),
			Document: vals[1].(string),
			LockNo:   vals[2].(int64),
			Ngram:    vals[3].(int),
			Loc:      vals[4].([]int),
		}
	})
}

func build(writes []write) *Partition {
	p := New()
	for _, w := range writes {
		p.AddToken(w.Token, w.Document, w.LockNo, w.Ngram, w.Loc)
	}
	return p
}

func TestPropertyPartitionMerge(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("version history never exceeds two entries", prop.ForAll(
		func(writes []write) bool {
			p := build(writes)
			for _, token := range p.Tokens() {
				entry, _ := p.Entry(token)
				for _, occ := range entry.DocumentOccurrences {
					if len(occ.Versions) == 0 || len(occ.Versions) > MaxVersions {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(genWrite()),
	))

	properties.Property("most recent write is first", prop.ForAll(
		func(writes []write) bool {
			if len(writes) == 0 {
				return true
			}
			p := build(writes)
			last := writes[len(writes)-1]
			entry, ok := p.Entry(last.Token)
			if !ok {
				return false
			}
			for _, occ := range entry.DocumentOccurrences {
				if occ.DocumentID == last.Document {
					v := occ.Versions[0]
					return v.WriteLockNo == last.LockNo && reflect.DeepEqual(v.Locations, append([]int(nil), last.Loc...))
				}
			}
			return false
		},
		gen.SliceOf(genWrite()),
	))

	properties.Property("size counts distinct tokens and bounds cover them", prop.ForAll(
		func(writes []write) bool {
			p := build(writes)
			distinct := map[string]struct{}{}
			for _, w := range writes {
				distinct[w.Token] = struct{}{}
			}
			if p.Size() != len(distinct) {
				return false
			}
			for token := range distinct {
				if token < p.StartToken() || token > p.EndToken() {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genWrite()),
	))

	properties.Property("a fresh token adds exactly one occurrence", prop.ForAll(
		func(writes []write, lockNo int64, loc []int) bool {
			p := build(writes)
			before := p.Size()
			p.AddToken("unseen-token", "docX", lockNo, 1, loc)
			entry, _ := p.Entry("unseen-token")
			return p.Size() == before+1 &&
				len(entry.DocumentOccurrences) == 1 &&
				len(entry.DocumentOccurrences[0].Versions) == 1 &&
				entry.DocumentOccurrences[0].Versions[0].WriteLockNo == lockNo
		},
		gen.SliceOf(genWrite()),
		gen.Int64Range(1, 1000),
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.Property("encode then decode is identity for valid UTF-8", prop.ForAll(
		func(writes []write, zstd bool) bool {
			p := build(writes)
			codec := CodecSnappy
			if zstd {
				codec = CodecZstd
			}
			valid := true
			for _, w := range writes {
				valid = valid && utf8.ValidString(w.Token) && utf8.ValidString(w.Document)
			}
			data, err := p.Encode(codec)
			if !valid {
				return errors.Is(err, ErrCorrupt)
			}
			if err != nil {
				return false
			}
			got, err := Decode(data)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(p, got)
		},
		gen.SliceOf(genWrite()),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
